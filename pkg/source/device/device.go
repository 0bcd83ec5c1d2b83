// Package device defines the boundary between a receive session and the
// hardware (or simulated) front end that produces raw sample transfers.
package device

import (
	"errors"
	"fmt"

	"github.com/norasector/iqsource/pkg/iq"
)

var (
	// ErrNotFound is returned by Open when no device exists at the index.
	ErrNotFound = errors.New("no device found")
	// ErrBusy is returned by Open when the device is claimed elsewhere.
	ErrBusy = errors.New("device already claimed")
	// ErrUnsupported is returned for optional features a backend lacks.
	ErrUnsupported = errors.New("not supported by device")
)

// Callback receives one raw transfer. It runs on a thread owned by the
// device layer and must return quickly without calling back into the
// device.
type Callback func(raw []byte)

// Info identifies an enumerable device.
type Info struct {
	Driver string `json:"driver"`
	Index  int    `json:"index"`
	Label  string `json:"label"`
	Serial string `json:"serial,omitempty"`
}

// ID is the argument string a user passes to select this device.
func (i Info) ID() string {
	return fmt.Sprintf("%s=%d", i.Driver, i.Index)
}

func (i Info) String() string {
	return fmt.Sprintf("%s,label='%s'", i.ID(), i.Label)
}

// Driver enumerates and opens devices of one backend.
type Driver interface {
	Name() string
	List() ([]Info, error)
	Open(index int) (Device, error)
}

// Device is one opened front end. Every method except the callback path
// is called with the session's device lock held.
type Device interface {
	Info() Info
	Format() iq.Format

	// SampleRates lists the discrete rates in the device's native order.
	// SetSampleRate takes an index into that list.
	SampleRates() []float64
	SetSampleRate(index int) error

	FrequencyRange() (low, high float64)
	SetFrequency(hz uint64) error

	SetLNAGain(value uint8) error
	SetMixerGain(value uint8) error
	SetVGAGain(value uint8) error
	SetLNAAGC(on bool) error
	SetMixerAGC(on bool) error
	SetLinearityGain(value uint8) error
	SetSensitivityGain(value uint8) error

	// StartRX arms asynchronous delivery to cb.
	StartRX(cb Callback) error
	// StopRX returns only once the device layer guarantees cb will not be
	// invoked again.
	StopRX() error
	// IsStreaming reports the device's own view of the stream. It may be
	// called without the session's device lock.
	IsStreaming() bool
	Close() error
}

// BiasTee is implemented by devices that can power an antenna over coax.
type BiasTee interface {
	SetBiasTee(on bool) error
}

// Packer is implemented by devices that can pack samples on the USB bus.
type Packer interface {
	SetPacking(on bool) error
}

// Ender is implemented by devices whose stream can end on its own, such as
// file playback reaching EOF or a USB disconnect. The channel closes when
// the current stream ends.
type Ender interface {
	Done() <-chan struct{}
}

// Transferer is implemented by devices that know their largest transfer,
// so the session can size its decode space once.
type Transferer interface {
	MaxTransferSamples() int
}

// Error is a rejected device command carrying the native result code.
type Error struct {
	Op     string
	Result int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%d)", e.Op, e.Result)
}

// Code returns the native result code.
func (e *Error) Code() int {
	return e.Result
}
