// Package file plays back raw I/Q captures as if they came from a device.
package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/iqsource/pkg/source/device"
)

const (
	defaultReadSize = 262144
	maxFrequency    = 6000e6
)

type options struct {
	readSize int
	loop     bool
	realtime bool
}

type Option func(o *options)

// WithReadSize sets the transfer size in bytes.
func WithReadSize(n int) Option {
	return func(o *options) {
		o.readSize = n
	}
}

// WithLoop rewinds at EOF instead of ending the stream.
func WithLoop() Option {
	return func(o *options) {
		o.loop = true
	}
}

// WithoutPacing delivers transfers as fast as the callback takes them.
func WithoutPacing() Option {
	return func(o *options) {
		o.realtime = false
	}
}

// Driver exposes one device per capture file.
type Driver struct {
	paths      []string
	format     iq.Format
	sampleRate float64
	opts       options

	mu      sync.Mutex
	claimed map[int]bool
}

func NewDriver(paths []string, format iq.Format, sampleRate float64, opts ...Option) *Driver {
	o := options{
		readSize: defaultReadSize,
		realtime: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Driver{
		paths:      paths,
		format:     format,
		sampleRate: sampleRate,
		opts:       o,
		claimed:    make(map[int]bool),
	}
}

func (d *Driver) Name() string {
	return "file"
}

func (d *Driver) info(index int) device.Info {
	return device.Info{
		Driver: d.Name(),
		Index:  index,
		Label:  fmt.Sprintf("File %s (%s)", filepath.Base(d.paths[index]), d.format),
		Serial: d.paths[index],
	}
}

func (d *Driver) List() ([]device.Info, error) {
	ret := make([]device.Info, 0, len(d.paths))
	for i := range d.paths {
		ret = append(ret, d.info(i))
	}
	return ret, nil
}

func (d *Driver) Open(index int) (device.Device, error) {
	if index < 0 || index >= len(d.paths) {
		return nil, device.ErrNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed[index] {
		return nil, device.ErrBusy
	}

	f, err := os.Open(d.paths[index])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrNotFound, err)
	}
	d.claimed[index] = true

	return &Device{
		driver:     d,
		index:      index,
		info:       d.info(index),
		readFile:   f,
		format:     d.format,
		sampleRate: d.sampleRate,
		opts:       d.opts,
		done:       make(chan struct{}),
	}, nil
}

func (d *Driver) release(index int) {
	d.mu.Lock()
	delete(d.claimed, index)
	d.mu.Unlock()
}

type Device struct {
	driver     *Driver
	index      int
	info       device.Info
	readFile   *os.File
	format     iq.Format
	sampleRate float64
	opts       options
	centerFreq uint64

	streaming atomic.Bool
	cbMu      sync.RWMutex
	cb        device.Callback
	stop      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

func (f *Device) Info() device.Info { return f.info }

func (f *Device) Format() iq.Format { return f.format }

func (f *Device) MaxTransferSamples() int {
	return f.opts.readSize / f.format.BytesPerSample()
}

// SampleRates is the single rate the capture was recorded at.
func (f *Device) SampleRates() []float64 {
	return []float64{f.sampleRate}
}

func (f *Device) SetSampleRate(index int) error {
	if index != 0 {
		return &device.Error{Op: "set_samplerate", Result: -2}
	}
	return nil
}

func (f *Device) FrequencyRange() (float64, float64) {
	return 0, maxFrequency
}

// SetFrequency is recorded but has no effect on playback.
func (f *Device) SetFrequency(hz uint64) error {
	f.centerFreq = hz
	return nil
}

func (f *Device) SetLNAGain(uint8) error         { return nil }
func (f *Device) SetMixerGain(uint8) error       { return nil }
func (f *Device) SetVGAGain(uint8) error         { return nil }
func (f *Device) SetLNAAGC(bool) error           { return nil }
func (f *Device) SetMixerAGC(bool) error         { return nil }
func (f *Device) SetLinearityGain(uint8) error   { return nil }
func (f *Device) SetSensitivityGain(uint8) error { return nil }

func (f *Device) StartRX(cb device.Callback) error {
	if f.streaming.Load() {
		return &device.Error{Op: "start_rx", Result: -1000}
	}

	f.cbMu.Lock()
	f.cb = cb
	f.cbMu.Unlock()

	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	f.streaming.Store(true)

	f.wg.Add(1)
	go f.play(f.stop, f.done)
	return nil
}

func (f *Device) interval() time.Duration {
	samples := f.opts.readSize / f.format.BytesPerSample()
	return time.Duration(float64(samples) / f.sampleRate * float64(time.Second))
}

func (f *Device) play(stop, done chan struct{}) {
	defer f.wg.Done()
	defer close(done)
	defer f.streaming.Store(false)

	var tick <-chan time.Time
	if f.opts.realtime {
		ticker := time.NewTicker(f.interval())
		defer ticker.Stop()
		tick = ticker.C
	}

	buf := make([]byte, f.opts.readSize)
	for {
		if tick != nil {
			select {
			case <-stop:
				return
			case <-tick:
			}
		} else {
			select {
			case <-stop:
				return
			default:
			}
		}

		n, err := io.ReadFull(f.readFile, buf)
		if n > 0 {
			f.cbMu.RLock()
			if f.cb != nil {
				f.cb(buf[:n])
			}
			f.cbMu.RUnlock()
		}
		if err != nil {
			if f.opts.loop && (err == io.EOF || err == io.ErrUnexpectedEOF) {
				if _, err := f.readFile.Seek(0, io.SeekStart); err == nil {
					continue
				}
			}
			return
		}
	}
}

func (f *Device) StopRX() error {
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
	f.wg.Wait()

	f.cbMu.Lock()
	f.cb = nil
	f.cbMu.Unlock()
	return nil
}

func (f *Device) IsStreaming() bool {
	return f.streaming.Load()
}

func (f *Device) Done() <-chan struct{} {
	return f.done
}

func (f *Device) Close() error {
	f.StopRX()
	err := f.readFile.Close()
	f.driver.release(f.index)
	return err
}
