package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	apiserver "github.com/norasector/iqsource/pkg/api"
	"github.com/norasector/iqsource/pkg/config"
	"github.com/norasector/iqsource/pkg/metrics"
	"github.com/norasector/iqsource/pkg/record"
	"github.com/norasector/iqsource/pkg/sink"
	"github.com/norasector/iqsource/pkg/source"
	"github.com/norasector/iqsource/pkg/util"
	"github.com/norasector/iqsource/pkg/viz"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const restartPoll = 250 * time.Millisecond

type streamFlags struct {
	device    string
	index     int
	freq      float64
	rate      float64
	ppm       float64
	gain      float64
	agc       bool
	output    string
	record    string
	httpPort  int
	blockSize int
}

func streamCommand(global *globalFlags) *cobra.Command {
	flags := &streamFlags{}

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Open a device and stream samples to the configured outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runStream(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.device, "device", "", "device backend (sim, rtlsdr, hackrf, file)")
	f.IntVar(&flags.index, "index", 0, "device index")
	f.Float64Var(&flags.freq, "freq", 0, "center frequency in Hz")
	f.Float64Var(&flags.rate, "rate", 0, "sample rate in samples/s")
	f.Float64Var(&flags.ppm, "ppm", 0, "frequency correction in ppm")
	f.Float64Var(&flags.gain, "gain", 0, "overall gain in dB")
	f.BoolVar(&flags.agc, "agc", false, "enable automatic gain")
	f.StringVar(&flags.output, "out", "", "write cf32 samples to this file (- for stdout)")
	f.StringVar(&flags.record, "record", "", "record raw device transfers to this file")
	f.IntVar(&flags.httpPort, "http", 0, "serve the control API on this port")
	f.IntVar(&flags.blockSize, "block-size", 0, "samples per pulled block")

	return cmd
}

// apply overrides config values with the flags the user actually set.
func (f *streamFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("device") {
		cfg.Device = f.device
	}
	if set("index") {
		cfg.DeviceIndex = f.index
	}
	if set("freq") {
		cfg.CenterFreq = f.freq
	}
	if set("rate") {
		cfg.SampleRate = f.rate
	}
	if set("ppm") {
		cfg.PPM = f.ppm
	}
	if set("gain") {
		cfg.Gain = &f.gain
	}
	if set("agc") {
		cfg.AGC = f.agc
	}
	if set("out") {
		cfg.OutputFile = f.output
	}
	if set("record") {
		cfg.RecordLocation = f.record
	}
	if set("http") {
		cfg.HTTP.Port = f.httpPort
	}
	if set("block-size") {
		cfg.BlockSize = f.blockSize
	}
}

func runStream(cfg *config.Config) error {
	drv, drvCloser, err := openDriver(cfg)
	if err != nil {
		return err
	}
	if drvCloser != nil {
		defer drvCloser.Close()
	}

	m, err := metrics.New()
	if err != nil {
		return err
	}

	var writeAPI api.WriteAPI = &util.MockWriteAPI{}
	if cfg.InfluxDB.Host != "" {
		client := influxdb2.NewClient(cfg.InfluxDB.Host, "")
		defer client.Close()
		writeAPI = client.WriteAPI(cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
		defer writeAPI.Flush()
	}

	policy, err := source.ParseGainPolicy(cfg.GainPolicy)
	if err != nil {
		return err
	}

	opts := []source.Option{
		source.WithLogger(log.Logger),
		source.WithMetrics(m),
		source.WithInfluxDB(writeAPI),
		source.WithGainPolicy(policy),
	}
	if cfg.BufferCapacity > 0 {
		opts = append(opts, source.WithCapacity(cfg.BufferCapacity))
	}
	if cfg.BiasTee != nil {
		opts = append(opts, source.WithBiasTee(*cfg.BiasTee))
	}
	if cfg.Packing != nil {
		opts = append(opts, source.WithPacking(*cfg.Packing))
	}

	var rec *record.Recorder
	if cfg.RecordLocation != "" {
		f, err := os.Create(cfg.RecordLocation)
		if err != nil {
			return fmt.Errorf("failed to create record file: %w", err)
		}
		defer f.Close()
		rec = record.New(f, record.DefaultCapacity, record.WithLogger(log.Logger))
		opts = append(opts, source.WithTap(rec))
	}

	session, err := source.Open(drv, cfg.DeviceIndex, opts...)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := configure(session, cfg); err != nil {
		return err
	}

	var streamOpts []source.StreamOption
	var spectrum *viz.Spectrum
	if cfg.HTTP.Port > 0 && cfg.HTTP.Spectrum {
		bins := cfg.HTTP.FFTBins
		if bins <= 0 {
			bins = viz.DefaultBins
		}
		spectrum = viz.NewSpectrum(session.Info().Label, bins, session.SampleRate())
		spectrum.SetTuning(session.CenterFrequency(), session.SampleRate())
		streamOpts = append(streamOpts, source.WithSpectrum(spectrum))
	}

	st, err := source.NewStream(session, cfg.BlockSize, streamOpts...)
	if err != nil {
		return err
	}

	outputs, files, err := buildSinks(cfg, writeAPI)
	for _, f := range files {
		defer f.Close()
	}
	if err != nil {
		return err
	}

	var out sink.Sink
	var running []sink.Sink
	if len(outputs) > 0 {
		tee := sink.NewTee(outputs...)
		out = tee
		running = append(running, tee)
		if cfg.Decimation > 1 {
			dec, err := sink.NewDecimator(session.SampleRate(), cfg.Decimation, tee)
			if err != nil {
				return err
			}
			out = dec
			running = append(running, dec)
		}
	}

	var srv *apiserver.Server
	if cfg.HTTP.Port > 0 {
		apiOpts := []apiserver.Option{
			apiserver.WithLogger(log.Logger),
			apiserver.WithMetrics(m.Handler()),
		}
		if spectrum != nil {
			apiOpts = append(apiOpts, apiserver.WithSpectrum(spectrum))
		}
		srv = apiserver.New(session, apiOpts...)
	}

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, ctx := errgroup.WithContext(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	eg.Go(func() error {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			if cfg.ShutdownTimeout > 0 {
				time.AfterFunc(cfg.ShutdownTimeout, func() {
					log.Fatal().Dur("timeout", cfg.ShutdownTimeout).Msg("shutdown timed out")
				})
			}
		case <-ctx.Done():
		}

		cancel()
		session.Stop()
		return nil
	})

	// Outputs start before the device so the first blocks have somewhere
	// to go. The Tee starts its own children.
	for _, snk := range running {
		snk := snk
		eg.Go(func() error {
			return snk.Start(ctx)
		})
	}
	if rec != nil {
		eg.Go(func() error {
			return rec.Run(ctx)
		})
	}
	if srv != nil {
		eg.Go(func() error {
			return srv.Run(ctx, fmt.Sprintf(":%d", cfg.HTTP.Port))
		})
	}

	if !session.Start() {
		cancel()
		_ = eg.Wait()
		return errors.New("device refused to start streaming")
	}

	eg.Go(func() error {
		return pump(ctx, cancel, st, out, srv != nil)
	})

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := session.Stats()
	log.Info().
		Uint64("overruns", stats.Overruns).
		Uint64("dropped", stats.Dropped).
		Msg("stream finished")
	return session.Close()
}

// configure applies the tuning the config asks for on top of the device
// defaults.
func configure(session *source.Session, cfg *config.Config) error {
	if cfg.SampleRate > 0 {
		if _, err := session.SetSampleRate(cfg.SampleRate); err != nil {
			return fmt.Errorf("sample rate %g: %w", cfg.SampleRate, err)
		}
	}
	if cfg.PPM != 0 {
		if _, err := session.SetFrequencyCorrection(cfg.PPM); err != nil {
			return err
		}
	}
	if cfg.CenterFreq > 0 {
		if _, err := session.SetCenterFrequency(cfg.CenterFreq); err != nil {
			return err
		}
	}

	if cfg.Gain != nil {
		if _, err := session.SetGain(*cfg.Gain); err != nil {
			return err
		}
	}
	stages := []struct {
		value *float64
		set   func(float64) (float64, error)
	}{
		{cfg.LNAGain, session.SetLNAGain},
		{cfg.MixerGain, session.SetMixerGain},
		{cfg.IFGain, session.SetIFGain},
	}
	for _, stage := range stages {
		if stage.value == nil {
			continue
		}
		if _, err := stage.set(*stage.value); err != nil {
			return err
		}
	}
	if cfg.AGC {
		if _, err := session.SetAutoGain(true); err != nil {
			return err
		}
	}

	log.Info().
		Float64("sample_rate", session.SampleRate()).
		Float64("center_freq", session.CenterFrequency()).
		Float64("gain", session.Gain().Overall).
		Bool("agc", session.AutoGain()).
		Msg("device configured")
	return nil
}

func buildSinks(cfg *config.Config, writeAPI api.WriteAPI) ([]sink.Sink, []io.Closer, error) {
	var sinks []sink.Sink
	var files []io.Closer

	switch cfg.OutputFile {
	case "":
	case "-":
		sinks = append(sinks, sink.NewFileSink(os.Stdout))
	default:
		f, err := os.Create(cfg.OutputFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create output file: %w", err)
		}
		files = append(files, f)
		sinks = append(sinks, sink.NewFileSink(f))
	}

	if len(cfg.OutputDestinations) > 0 {
		dests := make([]sink.Destination, 0, len(cfg.OutputDestinations))
		for _, d := range cfg.OutputDestinations {
			dests = append(dests, sink.Destination{Host: d.Host, Port: d.Port})
		}
		sinks = append(sinks, sink.NewUDPSink(dests, writeAPI, sink.WithUDPLogger(log.Logger)))
	}

	return sinks, files, nil
}

// pump moves blocks from the stream to out. With the control API running a
// stopped stream may be restarted remotely, so pump waits for it instead of
// returning.
func pump(ctx context.Context, cancel context.CancelFunc, st *source.Stream, out sink.Sink, restartable bool) error {
	for {
		seg, err := st.Next(ctx)
		if errors.Is(err, source.ErrStreamEnded) {
			if !restartable {
				log.Info().Msg("stream ended")
				cancel()
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(restartPoll):
			}
			continue
		}
		if err != nil {
			return err
		}

		if out == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out.Receive() <- seg:
		}
	}
}
