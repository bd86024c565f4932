package iiodtest

import "github.com/ehrlich-b/go-iio/internal/interfaces"

// Device indexes of SampleInfo.
const (
	ADC = iota
	DAC
	Trigger
)

// SampleInfo describes a small context: a two-channel ADC, a one-channel
// DAC and a trigger.
func SampleInfo() *interfaces.ContextInfo {
	chAttrs := []interfaces.ChannelAttr{
		{Name: "raw", Filename: "in_voltage0_raw"},
		{Name: "scale", Filename: "in_voltage_scale"},
	}
	return &interfaces.ContextInfo{
		Name:        "network",
		Description: "iiodtest",
		Attrs:       []interfaces.ContextAttr{{Name: "hw_model", Value: "test"}},
		Devices: []interfaces.DeviceInfo{
			{
				ID:          "iio:device0",
				Name:        "adc",
				Attrs:       []string{"sampling_frequency"},
				DebugAttrs:  []string{"direct_reg_access"},
				BufferAttrs: []string{"length", "watermark"},
				Channels: []interfaces.ChannelInfo{
					{ID: "voltage0", ScanElement: true, Index: 0, Format: "le:s16/16>>0", Attrs: chAttrs},
					{ID: "voltage1", ScanElement: true, Index: 1, Format: "le:s16/16>>0", Attrs: chAttrs},
				},
			},
			{
				ID:   "iio:device1",
				Name: "dac",
				Channels: []interfaces.ChannelInfo{
					{ID: "voltage0", Output: true, ScanElement: true, Index: 0, Format: "le:s16/16>>0"},
				},
			},
			{
				ID:    "trigger0",
				Name:  "sysfstrig0",
				Attrs: []string{"trigger_now"},
			},
		},
	}
}
