package source

import (
	"fmt"
	"io"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/iqsource/pkg/metrics"
	"github.com/rs/zerolog"
)

const defaultTransferSamples = 65536

type Option func(s *Session) error

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

// WithCapacity sets the sample buffer capacity in samples.
func WithCapacity(capacity int) Option {
	return func(s *Session) error {
		if capacity <= 0 {
			return fmt.Errorf("buffer capacity must be positive, got %d", capacity)
		}
		s.capacity = capacity
		return nil
	}
}

// WithTransferSamples preallocates decode scratch space for transfers of up
// to n samples. A device reporting a larger maximum transfer wins.
func WithTransferSamples(n int) Option {
	return func(s *Session) error {
		if n <= 0 {
			return fmt.Errorf("transfer size must be positive, got %d", n)
		}
		s.scratch = make([]complex64, n)
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) error {
		s.metrics = m
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) Option {
	return func(s *Session) error {
		s.writeAPI = writeAPI
		return nil
	}
}

// WithTap copies every raw transfer to w before decoding. w must not block;
// short writes are counted as recorder drops.
func WithTap(w io.Writer) Option {
	return func(s *Session) error {
		s.tap = w
		return nil
	}
}

func WithGainPolicy(p GainPolicy) Option {
	return func(s *Session) error {
		if p != GainPolicyLinearity && p != GainPolicySensitivity {
			return fmt.Errorf("unknown gain policy %d", p)
		}
		s.gain.Policy = p
		return nil
	}
}

// WithBiasTee powers the antenna port at open.
func WithBiasTee(on bool) Option {
	return func(s *Session) error {
		s.initBias = &on
		return nil
	}
}

// WithPacking sets USB sample packing at open.
func WithPacking(on bool) Option {
	return func(s *Session) error {
		s.initPacking = &on
		return nil
	}
}
