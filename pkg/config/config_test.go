package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
device: rtlsdr
device_index: 1
sample_rate: 2400000
center_freq: 851012500
ppm: -1.5
lna_gain: 10
gain_policy: sensitivity
bias: true
block_size: 16384
buffer_capacity: 1000000
decimation: 4
output_destinations:
  - host: localhost
    port: 9000
http:
  port: 8080
  spectrum: true
influxdb:
  host: http://localhost:8086
  organization: radio
  bucket: iq
shutdown_timeout: 2s
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iqsource.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "rtlsdr", c.Device)
	assert.Equal(t, 1, c.DeviceIndex)
	assert.Equal(t, 2.4e6, c.SampleRate)
	assert.Equal(t, 851012500.0, c.CenterFreq)
	assert.Equal(t, -1.5, c.PPM)
	require.NotNil(t, c.LNAGain)
	assert.Equal(t, 10.0, *c.LNAGain)
	assert.Nil(t, c.Gain)
	require.NotNil(t, c.BiasTee)
	assert.True(t, *c.BiasTee)
	assert.Nil(t, c.Packing)
	assert.Equal(t, []OutputDestination{{Host: "localhost", Port: 9000}}, c.OutputDestinations)
	assert.Equal(t, 8080, c.HTTP.Port)
	assert.True(t, c.HTTP.Spectrum)
	assert.Equal(t, "radio", c.InfluxDB.Organization)
	assert.Equal(t, 2*time.Second, c.ShutdownTimeout)
}

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte("center_freq: 100000000\n"))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, "sim", c.Device)
	assert.Equal(t, defaultBlockSize, c.BlockSize)
	assert.Equal(t, 1, c.Decimation)
}

func TestPlaybackSelectsFileDevice(t *testing.T) {
	c, err := Parse([]byte("device: hackrf\nplayback_location: /tmp/cap.cs8\nsample_rate: 2000000\n"))
	require.NoError(t, err)
	assert.Equal(t, "file", c.Device)
	assert.NoError(t, c.Validate())
}

func TestUnknownKey(t *testing.T) {
	_, err := Parse([]byte("center_frequency: 1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown device", "device: airspyhf\n"},
		{"file without rate", "playback_location: cap.raw\n"},
		{"block larger than buffer", "block_size: 20\nbuffer_capacity: 10\n"},
		{"zero decimation", "decimation: 0\n"},
		{"bad policy", "gain_policy: loud\n"},
		{"destination without port", "output_destinations:\n  - host: a\n"},
		{"record over playback", "playback_location: a\nrecord_location: a\nsample_rate: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			assert.Error(t, c.Validate())
		})
	}
}
