// Package rtlsdr drives RTL2832U dongles through librtlsdr.
package rtlsdr

import (
	"fmt"
	"sync"
	"sync/atomic"

	gsdr "github.com/jpoirier/gortlsdr"
	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/iqsource/pkg/source/device"
)

const (
	minFrequency = 24e6
	maxFrequency = 1766e6

	// Sum of the three stage indexes at full gain.
	maxStageTotal = 45

	// Size of one USB transfer as libusb hands it over.
	transferBytes = 262144
)

// Rates the RTL2832U resamples to without dropping samples.
var sampleRates = []float64{250e3, 1.024e6, 1.4e6, 1.8e6, 1.92e6, 2.048e6, 2.4e6, 2.56e6, 2.88e6, 3.2e6}

type Driver struct{}

func NewDriver() *Driver {
	return &Driver{}
}

func (d *Driver) Name() string {
	return "rtlsdr"
}

func (d *Driver) List() ([]device.Info, error) {
	count := gsdr.GetDeviceCount()
	ret := make([]device.Info, 0, count)
	for i := 0; i < count; i++ {
		info := device.Info{
			Driver: d.Name(),
			Index:  i,
			Label:  gsdr.GetDeviceName(i),
		}
		if _, _, serial, err := gsdr.GetDeviceUsbStrings(i); err == nil {
			info.Serial = serial
		}
		ret = append(ret, info)
	}
	return ret, nil
}

func (d *Driver) Open(index int) (device.Device, error) {
	if index < 0 || index >= gsdr.GetDeviceCount() {
		return nil, device.ErrNotFound
	}
	dev, err := gsdr.Open(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrBusy, err)
	}

	r := &Device{
		dev: dev,
		info: device.Info{
			Driver: d.Name(),
			Index:  index,
			Label:  gsdr.GetDeviceName(index),
		},
		done: make(chan struct{}),
	}
	if _, _, serial, err := gsdr.GetDeviceUsbStrings(index); err == nil {
		r.info.Serial = serial
	}
	if r.gains, err = dev.GetTunerGains(); err != nil {
		dev.Close()
		return nil, err
	}
	return r, nil
}

type Device struct {
	dev   *gsdr.Context
	info  device.Info
	gains []int

	lna, mixer, vga uint8
	tunerAGC        bool

	streaming atomic.Bool
	cbMu      sync.RWMutex
	cb        device.Callback
	done      chan struct{}
	readDone  chan struct{}
}

func (r *Device) Info() device.Info { return r.info }

func (r *Device) Format() iq.Format { return iq.FormatCU8 }

func (r *Device) MaxTransferSamples() int {
	return transferBytes / iq.FormatCU8.BytesPerSample()
}

func (r *Device) SampleRates() []float64 {
	return append([]float64(nil), sampleRates...)
}

func (r *Device) SetSampleRate(index int) error {
	if index < 0 || index >= len(sampleRates) {
		return &device.Error{Op: "set_samplerate", Result: -2}
	}
	return wrap("set_samplerate", r.dev.SetSampleRate(int(sampleRates[index])))
}

func (r *Device) FrequencyRange() (float64, float64) {
	return minFrequency, maxFrequency
}

func (r *Device) SetFrequency(hz uint64) error {
	return wrap("set_freq", r.dev.SetCenterFreq(int(hz)))
}

// The dongle has one tuner gain. The three stage indexes are summed and
// spread across the tuner's gain table.
func (r *Device) applyTunerGain() error {
	if r.tunerAGC || len(r.gains) == 0 {
		return nil
	}
	total := int(r.lna) + int(r.mixer) + int(r.vga)
	if total > maxStageTotal {
		total = maxStageTotal
	}
	return r.dev.SetTunerGain(r.gains[total*(len(r.gains)-1)/maxStageTotal])
}

func (r *Device) SetLNAGain(value uint8) error {
	r.lna = value
	return wrap("set_lna_gain", r.applyTunerGain())
}

func (r *Device) SetMixerGain(value uint8) error {
	r.mixer = value
	return wrap("set_mixer_gain", r.applyTunerGain())
}

func (r *Device) SetVGAGain(value uint8) error {
	r.vga = value
	return wrap("set_vga_gain", r.applyTunerGain())
}

// SetLNAAGC switches the tuner between automatic and manual gain.
func (r *Device) SetLNAAGC(on bool) error {
	if err := r.dev.SetTunerGainMode(!on); err != nil {
		return wrap("set_lna_agc", err)
	}
	r.tunerAGC = on
	if !on {
		return wrap("set_lna_agc", r.applyTunerGain())
	}
	return nil
}

// SetMixerAGC drives the RTL2832's digital AGC.
func (r *Device) SetMixerAGC(on bool) error {
	return wrap("set_mixer_agc", r.dev.SetAgcMode(on))
}

func (r *Device) SetLinearityGain(value uint8) error {
	return device.ApplyStages(r, device.LinearityGains(value))
}

func (r *Device) SetSensitivityGain(value uint8) error {
	return device.ApplyStages(r, device.SensitivityGains(value))
}

func (r *Device) callback(buf []byte) {
	r.cbMu.RLock()
	defer r.cbMu.RUnlock()
	if r.cb != nil {
		r.cb(buf)
	}
}

func (r *Device) StartRX(cb device.Callback) error {
	if r.streaming.Load() {
		return &device.Error{Op: "start_rx", Result: -1000}
	}
	if err := r.dev.ResetBuffer(); err != nil {
		return wrap("start_rx", err)
	}

	r.cbMu.Lock()
	r.cb = cb
	r.cbMu.Unlock()

	r.done = make(chan struct{})
	r.readDone = make(chan struct{})
	r.streaming.Store(true)

	go func(done, readDone chan struct{}) {
		defer close(readDone)
		// ReadAsync blocks until CancelAsync or a USB failure.
		r.dev.ReadAsync(r.callback, nil, 0, transferBytes)
		r.streaming.Store(false)
		close(done)
	}(r.done, r.readDone)

	return nil
}

func (r *Device) StopRX() error {
	if r.readDone == nil {
		return nil
	}

	var err error
	if r.streaming.Load() {
		err = r.dev.CancelAsync()
	}
	if err == nil {
		<-r.readDone
		r.readDone = nil
	}

	r.cbMu.Lock()
	r.cb = nil
	r.cbMu.Unlock()

	return wrap("stop_rx", err)
}

func (r *Device) IsStreaming() bool {
	return r.streaming.Load()
}

func (r *Device) Done() <-chan struct{} {
	return r.done
}

func (r *Device) Close() error {
	if err := r.StopRX(); err != nil {
		return err
	}
	return wrap("close", r.dev.Close())
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("rtlsdr %s: %w", op, err)
}
