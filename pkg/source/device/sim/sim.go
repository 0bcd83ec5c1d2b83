// Package sim is a software front end that behaves like an Airspy: float
// samples, an unsorted discrete rate list, three gain stages and composite
// gain routines. It either free-runs a tone generator on its own goroutine
// or, in manual mode, delivers exactly the batches a caller hands it.
package sim

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/iqsource/pkg/source/device"
)

const (
	defaultBatchSize = 65536
	minFrequency     = 24e6
	maxFrequency     = 1766e6
)

// Airspy R2 reports its rates highest first.
var defaultRates = []float64{10e6, 2.5e6}

type options struct {
	rates     []float64
	batchSize int
	toneHz    float64
	manual    bool
	serial    string
	failures  map[string]int
}

type Option func(o *options)

func WithSampleRates(rates ...float64) Option {
	return func(o *options) {
		o.rates = append([]float64(nil), rates...)
	}
}

func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

func WithTone(offsetHz float64) Option {
	return func(o *options) {
		o.toneHz = offsetHz
	}
}

// WithManual disables the generator. Samples only flow through Deliver.
func WithManual() Option {
	return func(o *options) {
		o.manual = true
	}
}

func WithSerial(serial string) Option {
	return func(o *options) {
		o.serial = serial
	}
}

// WithFailure makes the named command fail with code from the start.
func WithFailure(op string, code int) Option {
	return func(o *options) {
		o.failures[op] = code
	}
}

// Driver hands out simulated devices and tracks which are claimed.
type Driver struct {
	count int
	opts  []Option

	mu      sync.Mutex
	claimed map[int]bool
}

func NewDriver(count int, opts ...Option) *Driver {
	return &Driver{
		count:   count,
		opts:    opts,
		claimed: make(map[int]bool),
	}
}

func (d *Driver) Name() string {
	return "sim"
}

func (d *Driver) List() ([]device.Info, error) {
	ret := make([]device.Info, 0, d.count)
	for i := 0; i < d.count; i++ {
		ret = append(ret, d.info(i))
	}
	return ret, nil
}

func (d *Driver) info(index int) device.Info {
	return device.Info{
		Driver: d.Name(),
		Index:  index,
		Label:  "AirSpy Simulated",
		Serial: simSerial(index),
	}
}

func simSerial(index int) string {
	return fmt.Sprintf("SIM%04d", index)
}

func (d *Driver) Open(index int) (device.Device, error) {
	if index < 0 || index >= d.count {
		return nil, device.ErrNotFound
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed[index] {
		return nil, device.ErrBusy
	}
	d.claimed[index] = true

	return newDevice(d, index, d.opts...), nil
}

func (d *Driver) release(index int) {
	d.mu.Lock()
	delete(d.claimed, index)
	d.mu.Unlock()
}

// State is a snapshot of everything the simulated hardware was told.
type State struct {
	Frequency   uint64
	RateIndex   int
	LNA         uint8
	Mixer       uint8
	VGA         uint8
	LNAAGC      bool
	MixerAGC    bool
	BiasTee     bool
	Packing     bool
	Linearity   int
	Sensitivity int
	Closed      bool
	Streaming   bool
	StartCount  int
}

type Device struct {
	driver *Driver
	info   device.Info
	opts   options

	mu       sync.Mutex
	state    State
	commands []string
	failures map[string]int

	streaming atomic.Bool

	// cbMu is held for reading while a callback runs. StopRX takes it for
	// writing, which waits out any in-flight delivery.
	cbMu sync.RWMutex
	cb   device.Callback

	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newDevice(d *Driver, index int, opts ...Option) *Device {
	o := options{
		rates:     defaultRates,
		batchSize: defaultBatchSize,
		toneHz:    100e3,
		failures:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(&o)
	}

	info := d.info(index)
	if o.serial != "" {
		info.Serial = o.serial
	}

	return &Device{
		driver:   d,
		info:     info,
		opts:     o,
		failures: o.failures,
		state:    State{RateIndex: -1, Linearity: -1, Sensitivity: -1},
		done:     make(chan struct{}),
	}
}

// Fail makes op fail with code until Recover is called.
func (s *Device) Fail(op string, code int) {
	s.mu.Lock()
	s.failures[op] = code
	s.mu.Unlock()
}

func (s *Device) Recover(op string) {
	s.mu.Lock()
	delete(s.failures, op)
	s.mu.Unlock()
}

func (s *Device) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Streaming = s.streaming.Load()
	return st
}

// Commands returns every command issued so far, in order.
func (s *Device) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// command records op and reports the injected failure, if any. Callers
// hold s.mu.
func (s *Device) command(op string) error {
	s.commands = append(s.commands, op)
	if code, ok := s.failures[op]; ok {
		return &device.Error{Op: op, Result: code}
	}
	return nil
}

func (s *Device) Info() device.Info { return s.info }

func (s *Device) Format() iq.Format { return iq.FormatCF32 }

func (s *Device) MaxTransferSamples() int { return s.opts.batchSize }

func (s *Device) SampleRates() []float64 {
	return append([]float64(nil), s.opts.rates...)
}

func (s *Device) SetSampleRate(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("set_samplerate"); err != nil {
		return err
	}
	if index < 0 || index >= len(s.opts.rates) {
		return &device.Error{Op: "set_samplerate", Result: -2}
	}
	s.state.RateIndex = index
	return nil
}

func (s *Device) FrequencyRange() (float64, float64) {
	return minFrequency, maxFrequency
}

func (s *Device) SetFrequency(hz uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("set_freq"); err != nil {
		return err
	}
	s.state.Frequency = hz
	return nil
}

func (s *Device) SetLNAGain(value uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("set_lna_gain"); err != nil {
		return err
	}
	s.state.LNA = value
	return nil
}

func (s *Device) SetMixerGain(value uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("set_mixer_gain"); err != nil {
		return err
	}
	s.state.Mixer = value
	return nil
}

func (s *Device) SetVGAGain(value uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("set_vga_gain"); err != nil {
		return err
	}
	s.state.VGA = value
	return nil
}

func (s *Device) SetLNAAGC(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("set_lna_agc"); err != nil {
		return err
	}
	s.state.LNAAGC = on
	return nil
}

func (s *Device) SetMixerAGC(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("set_mixer_agc"); err != nil {
		return err
	}
	s.state.MixerAGC = on
	return nil
}

func (s *Device) setComposite(op string, stages device.Stages) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command(op); err != nil {
		return err
	}
	s.state.LNAAGC = false
	s.state.MixerAGC = false
	s.state.LNA = stages.LNA
	s.state.Mixer = stages.Mixer
	s.state.VGA = stages.VGA
	return nil
}

func (s *Device) SetLinearityGain(value uint8) error {
	if err := s.setComposite("set_linearity_gain", device.LinearityGains(value)); err != nil {
		return err
	}
	s.mu.Lock()
	s.state.Linearity = int(value)
	s.mu.Unlock()
	return nil
}

func (s *Device) SetSensitivityGain(value uint8) error {
	if err := s.setComposite("set_sensitivity_gain", device.SensitivityGains(value)); err != nil {
		return err
	}
	s.mu.Lock()
	s.state.Sensitivity = int(value)
	s.mu.Unlock()
	return nil
}

func (s *Device) SetBiasTee(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("set_rf_bias"); err != nil {
		return err
	}
	s.state.BiasTee = on
	return nil
}

func (s *Device) SetPacking(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("set_packing"); err != nil {
		return err
	}
	s.state.Packing = on
	return nil
}

func (s *Device) StartRX(cb device.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("start_rx"); err != nil {
		return err
	}
	if s.streaming.Load() {
		return &device.Error{Op: "start_rx", Result: -1000}
	}

	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()

	s.done = make(chan struct{})
	s.stop = make(chan struct{})
	s.state.StartCount++
	s.streaming.Store(true)

	if !s.opts.manual {
		s.wg.Add(1)
		go s.generate(s.stop, s.rate())
	}
	return nil
}

func (s *Device) rate() float64 {
	if s.state.RateIndex >= 0 && s.state.RateIndex < len(s.opts.rates) {
		return s.opts.rates[s.state.RateIndex]
	}
	return s.opts.rates[0]
}

func (s *Device) StopRX() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("stop_rx"); err != nil {
		return err
	}
	s.halt()
	return nil
}

// halt stops delivery and waits until no callback is running. Callers hold
// s.mu.
func (s *Device) halt() {
	wasStreaming := s.streaming.Swap(false)
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.wg.Wait()

	s.cbMu.Lock()
	s.cb = nil
	s.cbMu.Unlock()

	if wasStreaming {
		close(s.done)
	}
}

func (s *Device) IsStreaming() bool {
	return s.streaming.Load()
}

// Done closes when the current stream ends for any reason.
func (s *Device) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// EndStream simulates the device stopping on its own, as on USB loss.
func (s *Device) EndStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt()
}

func (s *Device) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Closed {
		return nil
	}
	if err := s.command("close"); err != nil {
		return err
	}
	s.halt()
	s.state.Closed = true
	s.driver.release(s.info.Index)
	return nil
}

// Deliver pushes samples through the armed callback as one transfer, on
// the calling goroutine. It reports false when the device is not streaming.
func (s *Device) Deliver(samples []complex64) bool {
	return s.DeliverRaw(iq.EncodeCF32(nil, samples))
}

func (s *Device) DeliverRaw(raw []byte) bool {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	if s.cb == nil || !s.streaming.Load() {
		return false
	}
	s.cb(raw)
	return true
}

func (s *Device) generate(stop chan struct{}, rate float64) {
	defer s.wg.Done()

	batch := s.opts.batchSize
	interval := time.Duration(float64(batch) / rate * float64(time.Second))
	tick := time.NewTicker(interval)
	defer tick.Stop()

	samples := make([]complex64, batch)
	raw := make([]byte, 0, batch*iq.FormatCF32.BytesPerSample())
	step := 2 * math.Pi * s.opts.toneHz / rate
	phase := 0.0

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			for i := range samples {
				sin, cos := math.Sincos(phase)
				samples[i] = complex(float32(cos)*0.5, float32(sin)*0.5)
				phase += step
				if phase > math.Pi {
					phase -= 2 * math.Pi
				}
			}
			raw = iq.EncodeCF32(raw[:0], samples)

			s.cbMu.RLock()
			if s.cb != nil {
				s.cb(raw)
			}
			s.cbMu.RUnlock()
		}
	}
}
