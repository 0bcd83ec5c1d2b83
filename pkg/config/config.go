// Package config loads the YAML file that describes a receive pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Device      string  `yaml:"device"`
	DeviceIndex int     `yaml:"device_index"`
	SampleRate  float64 `yaml:"sample_rate"`
	CenterFreq  float64 `yaml:"center_freq"`
	PPM         float64 `yaml:"ppm"`

	Gain       *float64 `yaml:"gain"`
	LNAGain    *float64 `yaml:"lna_gain"`
	MixerGain  *float64 `yaml:"mix_gain"`
	IFGain     *float64 `yaml:"if_gain"`
	GainPolicy string   `yaml:"gain_policy"`
	AGC        bool     `yaml:"agc"`
	BiasTee    *bool    `yaml:"bias"`
	Packing    *bool    `yaml:"pack"`

	BufferCapacity int `yaml:"buffer_capacity"`
	BlockSize      int `yaml:"block_size"`
	Decimation     int `yaml:"decimation"`

	RecordLocation   string `yaml:"record_location"`
	PlaybackLocation string `yaml:"playback_location"`
	PlaybackFormat   string `yaml:"playback_format"`
	PlaybackLoop     bool   `yaml:"playback_loop"`

	OutputFile         string              `yaml:"output_file"`
	OutputDestinations []OutputDestination `yaml:"output_destinations"`

	HTTP struct {
		Port     int  `yaml:"port"`
		Spectrum bool `yaml:"spectrum"`
		FFTBins  int  `yaml:"fft_bins"`
	} `yaml:"http"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

const (
	defaultBlockSize = 65536
	defaultTimeout   = 5 * time.Second
)

// Default is the configuration used when no file is given.
func Default() *Config {
	c := &Config{
		Device:          "sim",
		BlockSize:       defaultBlockSize,
		GainPolicy:      "linearity",
		Decimation:      1,
		ShutdownTimeout: defaultTimeout,
	}
	return c
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(contents)
}

func Parse(contents []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(contents, c); err != nil {
		return nil, fmt.Errorf("error unmarshaling yaml: %w", err)
	}
	if c.PlaybackLocation != "" {
		c.Device = "file"
	}
	return c, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Device {
	case "sim", "rtlsdr", "hackrf":
	case "file":
		if c.PlaybackLocation == "" {
			errs = append(errs, errors.New("file device needs playback_location"))
		}
		if c.SampleRate <= 0 {
			errs = append(errs, errors.New("file device needs sample_rate"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown device %q", c.Device))
	}

	if c.DeviceIndex < 0 {
		errs = append(errs, fmt.Errorf("device_index must not be negative, got %d", c.DeviceIndex))
	}
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("block_size must be positive, got %d", c.BlockSize))
	}
	if c.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("buffer_capacity must not be negative, got %d", c.BufferCapacity))
	}
	if c.BufferCapacity > 0 && c.BlockSize > c.BufferCapacity {
		errs = append(errs, fmt.Errorf("block_size %d exceeds buffer_capacity %d", c.BlockSize, c.BufferCapacity))
	}
	if c.Decimation < 1 {
		errs = append(errs, fmt.Errorf("decimation must be at least 1, got %d", c.Decimation))
	}
	switch c.GainPolicy {
	case "", "linearity", "sensitivity":
	default:
		errs = append(errs, fmt.Errorf("unknown gain_policy %q", c.GainPolicy))
	}
	if c.RecordLocation != "" && c.RecordLocation == c.PlaybackLocation {
		errs = append(errs, errors.New("record_location and playback_location are the same file"))
	}
	for i, dest := range c.OutputDestinations {
		if dest.Host == "" || dest.Port <= 0 || dest.Port > 65535 {
			errs = append(errs, fmt.Errorf("output_destinations[%d]: need host and port", i))
		}
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTP.Port))
	}

	return errors.Join(errs...)
}
