// Package hackrf drives a HackRF One through libhackrf.
package hackrf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/iqsource/pkg/source/device"
	"github.com/samuel/go-hackrf/hackrf"
)

const (
	minFrequency = 1e6
	maxFrequency = 6000e6

	maxLNAGain = 40
	maxVGAGain = 62
	// Mixer indexes at or above this switch the front-end amplifier on.
	ampThreshold = 8

	// Size of one USB transfer as libusb hands it over.
	transferBytes = 262144
)

var sampleRates = []float64{2e6, 4e6, 8e6, 10e6, 12.5e6, 16e6, 20e6}

// Driver owns libhackrf initialization. Call Close when done with it.
type Driver struct {
	mu     sync.Mutex
	opened bool
}

func NewDriver() (*Driver, error) {
	if err := hackrf.Init(); err != nil {
		return nil, err
	}
	return &Driver{}, nil
}

func (d *Driver) Close() error {
	return hackrf.Exit()
}

func (d *Driver) Name() string {
	return "hackrf"
}

func (d *Driver) info() device.Info {
	return device.Info{
		Driver: d.Name(),
		Index:  0,
		Label:  "HackRF One",
	}
}

// List probes for the first HackRF. A device already opened through this
// driver is reported without probing.
func (d *Driver) List() ([]device.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return []device.Info{d.info()}, nil
	}

	dev, err := hackrf.Open()
	if err != nil {
		return nil, nil
	}
	dev.Close()
	return []device.Info{d.info()}, nil
}

func (d *Driver) Open(index int) (device.Device, error) {
	if index != 0 {
		return nil, device.ErrNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil, device.ErrBusy
	}

	dev, err := hackrf.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrNotFound, err)
	}
	d.opened = true

	return &Device{
		driver: d,
		dev:    dev,
		info:   d.info(),
		done:   make(chan struct{}),
	}, nil
}

func (d *Driver) release() {
	d.mu.Lock()
	d.opened = false
	d.mu.Unlock()
}

type Device struct {
	driver *Driver
	dev    *hackrf.Device
	info   device.Info

	streaming atomic.Bool
	cbMu      sync.RWMutex
	cb        device.Callback
	done      chan struct{}
}

func (h *Device) Info() device.Info { return h.info }

func (h *Device) Format() iq.Format { return iq.FormatCS8 }

func (h *Device) MaxTransferSamples() int {
	return transferBytes / iq.FormatCS8.BytesPerSample()
}

func (h *Device) SampleRates() []float64 {
	return append([]float64(nil), sampleRates...)
}

func (h *Device) SetSampleRate(index int) error {
	if index < 0 || index >= len(sampleRates) {
		return &device.Error{Op: "set_samplerate", Result: -2}
	}
	rate := sampleRates[index]
	if err := h.dev.SetSampleRateManual(int(rate*2), 2); err != nil {
		return wrap("set_samplerate", err)
	}
	return wrap("set_samplerate", h.dev.SetBasebandFilterBandwidth(int(rate)))
}

func (h *Device) FrequencyRange() (float64, float64) {
	return minFrequency, maxFrequency
}

func (h *Device) SetFrequency(hz uint64) error {
	return wrap("set_freq", h.dev.SetFreq(hz))
}

// scale maps a 0-15 stage index onto 0-max in multiples of step.
func scale(value uint8, max, step int) int {
	if value > 15 {
		value = 15
	}
	v := int(value) * max / 15
	return v - v%step
}

func (h *Device) SetLNAGain(value uint8) error {
	return wrap("set_lna_gain", h.dev.SetLNAGain(scale(value, maxLNAGain, 8)))
}

// SetMixerGain toggles the RF amplifier; the HackRF has no mixer gain.
func (h *Device) SetMixerGain(value uint8) error {
	return wrap("set_mixer_gain", h.dev.SetAmpEnable(value >= ampThreshold))
}

func (h *Device) SetVGAGain(value uint8) error {
	return wrap("set_vga_gain", h.dev.SetVGAGain(scale(value, maxVGAGain, 2)))
}

func (h *Device) SetLNAAGC(on bool) error {
	if on {
		return wrap("set_lna_agc", device.ErrUnsupported)
	}
	return nil
}

func (h *Device) SetMixerAGC(on bool) error {
	if on {
		return wrap("set_mixer_agc", device.ErrUnsupported)
	}
	return nil
}

func (h *Device) SetLinearityGain(value uint8) error {
	return device.ApplyStages(h, device.LinearityGains(value))
}

func (h *Device) SetSensitivityGain(value uint8) error {
	return device.ApplyStages(h, device.SensitivityGains(value))
}

func (h *Device) callback(buf []byte) error {
	h.cbMu.RLock()
	defer h.cbMu.RUnlock()
	if h.cb != nil {
		h.cb(buf)
	}
	return nil
}

func (h *Device) StartRX(cb device.Callback) error {
	if h.streaming.Load() {
		return &device.Error{Op: "start_rx", Result: -1000}
	}

	h.cbMu.Lock()
	h.cb = cb
	h.cbMu.Unlock()

	h.done = make(chan struct{})
	if err := h.dev.StartRX(h.callback); err != nil {
		return wrap("start_rx", err)
	}
	h.streaming.Store(true)
	return nil
}

func (h *Device) StopRX() error {
	if !h.streaming.Swap(false) {
		return nil
	}
	err := h.dev.StopRX()

	// Wait out a transfer still inside the callback.
	h.cbMu.Lock()
	h.cb = nil
	h.cbMu.Unlock()
	close(h.done)

	return wrap("stop_rx", err)
}

func (h *Device) IsStreaming() bool {
	return h.streaming.Load()
}

func (h *Device) Done() <-chan struct{} {
	return h.done
}

func (h *Device) Close() error {
	stopErr := h.StopRX()
	err := h.dev.Close()
	h.driver.release()
	if stopErr != nil {
		return stopErr
	}
	return wrap("close", err)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("hackrf %s: %w", op, err)
}
