package xmlctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
)

const sample = `<?xml version="1.0" encoding="utf-8"?>
<!DOCTYPE context [<!ELEMENT context (device | context-attribute)*><!ATTLIST context name CDATA #REQUIRED>]>
<context name="network" description="192.168.2.1 Linux analog 5.15" >
<context-attribute name="hw_model" value="Analog Devices PlutoSDR" />
<context-attribute name="ip,ip-addr" value="192.168.2.1" />
<device id="iio:device0" name="ad9361-phy" >
<channel id="voltage0" type="input" >
<attribute name="hardwaregain" filename="in_voltage0_hardwaregain" />
</channel>
<attribute name="calib_mode" />
<debug-attribute name="direct_reg_access" />
</device>
<device id="iio:device3" name="cf-ad9361-dds-core-lpc" label="tx" >
<channel id="voltage0" type="output" >
<scan-element index="0" format="le:S16/16&gt;&gt;0" scale="1.000000" />
</channel>
<channel id="altvoltage0" name="TX1_I_F1" type="output" >
<attribute name="frequency" filename="out_altvoltage0_TX1_I_F1_frequency" />
</channel>
<buffer-attribute name="length_align_bytes" />
</device>
</context>`

func TestParse(t *testing.T) {
	info, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "network", info.Name)
	assert.Equal(t, "192.168.2.1 Linux analog 5.15", info.Description)
	require.Len(t, info.Attrs, 2)
	assert.Equal(t, interfaces.ContextAttr{Name: "ip,ip-addr", Value: "192.168.2.1"}, info.Attrs[1])

	require.Len(t, info.Devices, 2)
	phy := info.Devices[0]
	assert.Equal(t, "ad9361-phy", phy.Name)
	assert.Equal(t, []string{"calib_mode"}, phy.Attrs)
	assert.Equal(t, []string{"direct_reg_access"}, phy.DebugAttrs)
	require.Len(t, phy.Channels, 1)
	assert.False(t, phy.Channels[0].ScanElement)
	assert.Equal(t, int64(-1), phy.Channels[0].Index)
	assert.Equal(t, "in_voltage0_hardwaregain", phy.Channels[0].Attrs[0].Filename)

	dds := info.Devices[1]
	assert.Equal(t, "tx", dds.Label)
	assert.Equal(t, []string{"length_align_bytes"}, dds.BufferAttrs)
	require.Len(t, dds.Channels, 2)

	v0 := dds.Channels[0]
	assert.True(t, v0.Output)
	assert.True(t, v0.ScanElement)
	assert.Equal(t, int64(0), v0.Index)
	assert.Equal(t, "le:S16/16>>0", v0.Format)
	assert.True(t, v0.WithScale)
	assert.Equal(t, 1.0, v0.Scale)

	assert.Equal(t, "TX1_I_F1", dds.Channels[1].Name)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "hello"},
		{"wrong root", `<device id="iio:device0"/>`},
		{"bad channel type", `<context name="x"><device id="d"><channel id="c" type="sideways"/></device></context>`},
		{"missing device id", `<context name="x"><device name="d"/></context>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Equal(t, unix.EINVAL, err)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	info := &interfaces.ContextInfo{
		Name:        "local",
		Description: "test <host>",
		Major:       1, Minor: 0, Tag: "v1.0",
		Attrs: []interfaces.ContextAttr{{Name: "local,kernel", Value: "6.1.0"}},
		Devices: []interfaces.DeviceInfo{{
			ID: "iio:device0", Name: "adc", Label: "main",
			Attrs:       []string{"sampling_frequency"},
			DebugAttrs:  []string{"direct_reg_access"},
			BufferAttrs: []string{"length", "watermark"},
			Channels: []interfaces.ChannelInfo{
				{
					ID: "voltage0", ScanElement: true, Index: 0,
					Format: "le:s12/16>>4", WithScale: true, Scale: 0.25,
					Attrs: []interfaces.ChannelAttr{{Name: "raw", Filename: "in_voltage0_raw"}},
				},
				{ID: "temp", Name: "die", Index: -1, Attrs: []interfaces.ChannelAttr{{Name: "input"}}},
			},
		}},
	}

	data, err := Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(data), "&gt;&gt;4")

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, info, back)
}
