package iio

import "strings"

// ChanType is the kind of quantity a channel measures.
type ChanType int

const (
	ChanVoltage ChanType = iota
	ChanCurrent
	ChanPower
	ChanAccel
	ChanAnglVel
	ChanMagn
	ChanLight
	ChanIntensity
	ChanProximity
	ChanTemp
	ChanIncli
	ChanRot
	ChanAngl
	ChanTimestamp
	ChanCapacitance
	ChanAltVoltage
	ChanCCT
	ChanPressure
	ChanHumidityRelative
	ChanActivity
	ChanSteps
	ChanEnergy
	ChanDistance
	ChanVelocity
	ChanConcentration
	ChanResistance
	ChanPH
	ChanUVIndex
	ChanElectricalConductivity
	ChanCount
	ChanIndex
	ChanGravity
	ChanPositionRelative
	ChanPhase
	ChanMassConcentration
	ChanDeltaAngl
	ChanDeltaVelocity
	ChanColorTemp
	ChanChromaticity

	ChanUnknown ChanType = 1<<31 - 1
)

var chanTypeNames = [...]string{
	ChanVoltage:                "voltage",
	ChanCurrent:                "current",
	ChanPower:                  "power",
	ChanAccel:                  "accel",
	ChanAnglVel:                "anglvel",
	ChanMagn:                   "magn",
	ChanLight:                  "illuminance",
	ChanIntensity:              "intensity",
	ChanProximity:              "proximity",
	ChanTemp:                   "temp",
	ChanIncli:                  "incli",
	ChanRot:                    "rot",
	ChanAngl:                   "angl",
	ChanTimestamp:              "timestamp",
	ChanCapacitance:            "capacitance",
	ChanAltVoltage:             "altvoltage",
	ChanCCT:                    "cct",
	ChanPressure:               "pressure",
	ChanHumidityRelative:       "humidityrelative",
	ChanActivity:               "activity",
	ChanSteps:                  "steps",
	ChanEnergy:                 "energy",
	ChanDistance:               "distance",
	ChanVelocity:               "velocity",
	ChanConcentration:          "concentration",
	ChanResistance:             "resistance",
	ChanPH:                     "ph",
	ChanUVIndex:                "uvindex",
	ChanElectricalConductivity: "electricalconductivity",
	ChanCount:                  "count",
	ChanIndex:                  "index",
	ChanGravity:                "gravity",
	ChanPositionRelative:       "positionrelative",
	ChanPhase:                  "phase",
	ChanMassConcentration:      "massconcentration",
	ChanDeltaAngl:              "delta_angl",
	ChanDeltaVelocity:          "delta_velocity",
	ChanColorTemp:              "colortemp",
	ChanChromaticity:           "chromaticity",
}

func (t ChanType) String() string {
	if t >= 0 && int(t) < len(chanTypeNames) {
		return chanTypeNames[t]
	}
	return "unknown"
}

// Modifier refines a channel type (axis, color, ...).
type Modifier int

const (
	ModNone Modifier = iota
	ModX
	ModY
	ModZ
	ModXAndY
	ModXAndZ
	ModYAndZ
	ModXAndYAndZ
	ModXOrY
	ModXOrZ
	ModYOrZ
	ModXOrYOrZ
	ModLightBoth
	ModLightIR
	ModRootSumSquaredXY
	ModSumSquaredXYZ
	ModLightClear
	ModLightRed
	ModLightGreen
	ModLightBlue
	ModQuaternion
	ModTempAmbient
	ModTempObject
	ModNorthMagn
	ModNorthTrue
	ModNorthMagnTiltComp
	ModNorthTrueTiltComp
	ModRunning
	ModJogging
	ModWalking
	ModStill
	ModRootSumSquaredXYZ
	ModI
	ModQ
	ModCO2
	ModVOC
	ModLightUV
	ModLightDUV
	ModPM1
	ModPM2P5
	ModPM4
	ModPM10
	ModEthanol
	ModH2
	ModO2
	ModLinearX
	ModLinearY
	ModLinearZ
	ModPitch
	ModYaw
	ModRoll
	ModLightUVA
	ModLightUVB
)

var modifierNames = [...]string{
	ModX:                 "x",
	ModY:                 "y",
	ModZ:                 "z",
	ModXAndY:             "x&y",
	ModXAndZ:             "x&z",
	ModYAndZ:             "y&z",
	ModXAndYAndZ:         "x&y&z",
	ModXOrY:              "x|y",
	ModXOrZ:              "x|z",
	ModYOrZ:              "y|z",
	ModXOrYOrZ:           "x|y|z",
	ModLightBoth:         "both",
	ModLightIR:           "ir",
	ModRootSumSquaredXY:  "sqrt(x^2+y^2)",
	ModSumSquaredXYZ:     "x^2+y^2+z^2",
	ModLightClear:        "clear",
	ModLightRed:          "red",
	ModLightGreen:        "green",
	ModLightBlue:         "blue",
	ModQuaternion:        "quaternion",
	ModTempAmbient:       "ambient",
	ModTempObject:        "object",
	ModNorthMagn:         "from_north_magnetic",
	ModNorthTrue:         "from_north_true",
	ModNorthMagnTiltComp: "from_north_magnetic_tilt_comp",
	ModNorthTrueTiltComp: "from_north_true_tilt_comp",
	ModRunning:           "running",
	ModJogging:           "jogging",
	ModWalking:           "walking",
	ModStill:             "still",
	ModRootSumSquaredXYZ: "sqrt(x^2+y^2+z^2)",
	ModI:                 "i",
	ModQ:                 "q",
	ModCO2:               "co2",
	ModVOC:               "voc",
	ModLightUV:           "uv",
	ModLightDUV:          "duv",
	ModPM1:               "pm1",
	ModPM2P5:             "pm2p5",
	ModPM4:               "pm4",
	ModPM10:              "pm10",
	ModEthanol:           "ethanol",
	ModH2:                "h2",
	ModO2:                "o2",
	ModLinearX:           "linear_x",
	ModLinearY:           "linear_y",
	ModLinearZ:           "linear_z",
	ModPitch:             "pitch",
	ModYaw:               "yaw",
	ModRoll:              "roll",
	ModLightUVA:          "uva",
	ModLightUVB:          "uvb",
}

func (m Modifier) String() string {
	if m > 0 && int(m) < len(modifierNames) {
		return modifierNames[m]
	}
	return ""
}

// chanTypeFromID finds the type prefix of a channel id. The prefix must be
// followed by the end of the id, an underscore or a digit.
func chanTypeFromID(id string) ChanType {
	for i, name := range chanTypeNames {
		if !strings.HasPrefix(id, name) {
			continue
		}
		rest := id[len(name):]
		if rest == "" || rest[0] == '_' || (rest[0] >= '0' && rest[0] <= '9') {
			return ChanType(i)
		}
	}
	return ChanUnknown
}

// modifierFromID returns the modifier following the first underscore of id.
func modifierFromID(id string) Modifier {
	i := strings.IndexByte(id, '_')
	if i < 0 {
		return ModNone
	}
	mod := id[i+1:]
	for m, name := range modifierNames {
		if name != "" && strings.HasPrefix(mod, name) {
			return Modifier(m)
		}
	}
	return ModNone
}

// ModifierPrefix returns the modifier s starts with, when its name is
// followed by the end of s or an underscore, along with the length of the
// name. The longest match wins.
func ModifierPrefix(s string) (Modifier, int) {
	best, n := ModNone, 0
	for m, name := range modifierNames {
		if name == "" || len(name) <= n || !strings.HasPrefix(s, name) {
			continue
		}
		if len(s) == len(name) || s[len(name)] == '_' {
			best, n = Modifier(m), len(name)
		}
	}
	return best, n
}
