// Package api exposes a session's control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/norasector/iqsource/pkg/source"
	"github.com/norasector/iqsource/pkg/viz"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session is the part of *source.Session the API drives.
type Session interface {
	Settings() source.Settings
	Start() bool
	Stop() bool
	SetCenterFrequency(freq float64) (float64, error)
	SetFrequencyCorrection(ppm float64) (float64, error)
	SetSampleRate(rate float64) (float64, error)
	SetGain(gain float64) (float64, error)
	SetStageGain(name string, gain float64) (float64, error)
	SetAutoGain(on bool) (bool, error)
	SetGainPolicy(p source.GainPolicy) (source.GainPolicy, error)
	SetBiasTee(on bool) (bool, error)
}

// Imager renders a PNG on demand.
type Imager interface {
	Image() ([]byte, error)
}

type Option func(s *Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithSpectrum serves img at /spectrum.png.
func WithSpectrum(img Imager) Option {
	return func(s *Server) {
		s.spectrum = img
	}
}

type Server struct {
	session  Session
	metrics  http.Handler
	spectrum Imager
	logger   zerolog.Logger
	router   *httprouter.Router
}

type valueRequest[T any] struct {
	Value *T `json:"value"`
}

type valueResponse[T any] struct {
	Value T `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(session Session, opts ...Option) *Server {
	s := &Server{
		session: session,
		logger:  log.Logger,
		router:  httprouter.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.GET("/v1/state", s.getState)
	s.router.PUT("/v1/frequency", setter(s, s.session.SetCenterFrequency))
	s.router.PUT("/v1/correction", setter(s, s.session.SetFrequencyCorrection))
	s.router.PUT("/v1/samplerate", setter(s, s.session.SetSampleRate))
	s.router.PUT("/v1/gain", setter(s, s.session.SetGain))
	s.router.PUT("/v1/gain/:stage", s.putStageGain)
	s.router.PUT("/v1/agc", setter(s, s.session.SetAutoGain))
	s.router.PUT("/v1/bias", setter(s, s.session.SetBiasTee))
	s.router.PUT("/v1/policy", s.putPolicy)
	s.router.PUT("/v1/streaming", s.putStreaming)

	if s.metrics != nil {
		s.router.Handler(http.MethodGet, "/metrics", s.metrics)
	}
	if s.spectrum != nil {
		s.router.GET("/spectrum.png", s.getSpectrum)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("error encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var rej *source.RejectedError
	switch {
	case errors.Is(err, source.ErrUnsupportedValue):
		status = http.StatusBadRequest
	case errors.As(err, &rej):
		status = http.StatusBadGateway
	case errors.Is(err, source.ErrClosed):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeValue[T any](r *http.Request) (T, error) {
	var req valueRequest[T]
	var zero T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return zero, fmt.Errorf("%w: %v", source.ErrUnsupportedValue, err)
	}
	if req.Value == nil {
		return zero, fmt.Errorf("%w: missing value", source.ErrUnsupportedValue)
	}
	return *req.Value, nil
}

func setter[T any](s *Server, set func(T) (T, error)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		v, err := decodeValue[T](r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		got, err := set(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, valueResponse[T]{Value: got})
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.session.Settings())
}

func (s *Server) putStageGain(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	stage := params.ByName("stage")
	setter(s, func(v float64) (float64, error) {
		return s.session.SetStageGain(stage, v)
	})(w, r, params)
}

func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	setter(s, func(v string) (string, error) {
		p, err := source.ParseGainPolicy(v)
		if err != nil {
			return "", err
		}
		p, err = s.session.SetGainPolicy(p)
		return p.String(), err
	})(w, r, params)
}

func (s *Server) putStreaming(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	setter(s, func(on bool) (bool, error) {
		if on {
			if !s.session.Start() {
				return false, &source.RejectedError{Command: "start_rx", Code: -1}
			}
			return true, nil
		}
		if !s.session.Stop() {
			return false, &source.RejectedError{Command: "stop_rx", Code: -1}
		}
		return false, nil
	})(w, r, params)
}

func (s *Server) getSpectrum(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	img, err := s.spectrum.Image()
	if errors.Is(err, viz.ErrNoSamples) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(img)
}
