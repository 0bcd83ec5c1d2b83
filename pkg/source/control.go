package source

import (
	"fmt"
	"math"
	"strings"

	"github.com/norasector/iqsource/pkg/source/device"
	"github.com/norasector/iqsource/pkg/util"
)

// Gain stage names accepted by SetStageGain.
const (
	StageLNA   = "LNA"
	StageMixer = "MIX"
	StageIF    = "IF"
)

const (
	fixedAntenna   = "RX"
	fixedBandwidth = 10e6
)

var (
	overallGainRange = util.Range{Start: 0, Stop: device.CompositeGainSteps - 1, Step: 1}
	stageGainRange   = util.Range{Start: 0, Stop: 15, Step: 1}
)

// GainPolicy selects which composite table an overall gain request uses.
type GainPolicy int

const (
	GainPolicyLinearity GainPolicy = iota
	GainPolicySensitivity
)

func (p GainPolicy) String() string {
	switch p {
	case GainPolicyLinearity:
		return "linearity"
	case GainPolicySensitivity:
		return "sensitivity"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParseGainPolicy(s string) (GainPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linearity", "":
		return GainPolicyLinearity, nil
	case "sensitivity":
		return GainPolicySensitivity, nil
	default:
		return 0, fmt.Errorf("%w: gain policy %q", ErrUnsupportedValue, s)
	}
}

// GainState holds the last manual value of each stage and the last overall
// gain. The two are independent: turning AGC off reapplies the stages.
type GainState struct {
	LNA     float64    `json:"lna"`
	Mixer   float64    `json:"mix"`
	IF      float64    `json:"if"`
	Overall float64    `json:"overall"`
	Auto    bool       `json:"agc"`
	Policy  GainPolicy `json:"-"`
}

// Settings is a point-in-time view of every control value.
type Settings struct {
	Device              device.Info `json:"device"`
	State               string      `json:"state"`
	SampleRate          float64     `json:"sample_rate"`
	SampleRates         []float64   `json:"sample_rates"`
	CenterFrequency     float64     `json:"center_frequency"`
	FrequencyRange      util.Range  `json:"frequency_range"`
	FrequencyCorrection float64     `json:"frequency_correction"`
	Gain                GainState   `json:"gain"`
	GainPolicy          string      `json:"gain_policy"`
	Bandwidth           float64     `json:"bandwidth"`
	Antenna             string      `json:"antenna"`
	BiasTee             bool        `json:"bias_tee"`
	Packing             bool        `json:"packing"`
	Buffer              BufferStats `json:"buffer"`
}

func (s *Session) Settings() Settings {
	state := s.syncState()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Settings{
		Device:              s.info,
		State:               state.String(),
		SampleRate:          s.sampleRate,
		SampleRates:         s.sampleRates(),
		CenterFrequency:     s.centerFreq,
		FrequencyRange:      s.freqRange,
		FrequencyCorrection: s.freqCorr,
		Gain:                s.gain,
		GainPolicy:          s.gain.Policy.String(),
		Bandwidth:           fixedBandwidth,
		Antenna:             fixedAntenna,
		BiasTee:             s.biasTee,
		Packing:             s.packing,
		Buffer:              s.buf.Stats(),
	}
}

// lock takes the device lock and fails once the session is closed.
func (s *Session) lock() error {
	s.mu.Lock()
	if State(s.state.Load()) == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// SampleRates lists the supported rates in ascending order.
func (s *Session) SampleRates() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRates()
}

func (s *Session) sampleRates() []float64 {
	out := make([]float64, len(s.rates))
	for i, r := range s.rates {
		out[i] = r.value
	}
	return out
}

func (s *Session) SampleRateRange() util.Range {
	low, high := util.Span(s.SampleRates()...)
	return util.Range{Start: low, Stop: high}
}

func (s *Session) SampleRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// SetSampleRate selects one of the discrete rates exactly. Any other value
// fails with ErrUnsupportedValue and changes nothing.
func (s *Session) SetSampleRate(rate float64) (float64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.setSampleRate(rate)
}

func (s *Session) setSampleRate(want float64) (float64, error) {
	for _, r := range s.rates {
		if r.value != want {
			continue
		}
		if err := s.dev.SetSampleRate(r.index); err != nil {
			return s.sampleRate, s.reject("set_samplerate", err)
		}
		s.sampleRate = r.value
		return s.sampleRate, nil
	}
	return s.sampleRate, fmt.Errorf("%w: sample rate %s", ErrUnsupportedValue, util.MHzToString(want))
}

func (s *Session) FrequencyRange() util.Range {
	return s.freqRange
}

// CenterFrequency is the last requested frequency, before correction.
func (s *Session) CenterFrequency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.centerFreq
}

// SetCenterFrequency tunes to freq clipped to the device range. The device
// is sent the ppm-corrected value.
func (s *Session) SetCenterFrequency(freq float64) (float64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.setCenterFrequency(freq)
}

func (s *Session) setCenterFrequency(freq float64) (float64, error) {
	freq = s.freqRange.Clip(freq, false)
	corrected := util.ApplyPPM(freq, s.freqCorr)
	if err := s.dev.SetFrequency(uint64(math.Round(corrected))); err != nil {
		return s.centerFreq, s.reject("set_freq", err)
	}
	s.centerFreq = freq
	return freq, nil
}

func (s *Session) FrequencyCorrection() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freqCorr
}

// SetFrequencyCorrection stores ppm and retunes to the current center
// frequency. On failure the previous correction is kept.
func (s *Session) SetFrequencyCorrection(ppm float64) (float64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	prev := s.freqCorr
	s.freqCorr = ppm
	if _, err := s.setCenterFrequency(s.centerFreq); err != nil {
		s.freqCorr = prev
		return prev, err
	}
	return ppm, nil
}

func (s *Session) GainRange() util.Range {
	return overallGainRange
}

func (s *Session) StageGainRange(name string) util.Range {
	switch strings.ToUpper(name) {
	case StageLNA, StageMixer, StageIF:
		return stageGainRange
	default:
		return overallGainRange
	}
}

func (s *Session) GainStages() []string {
	return []string{StageLNA, StageMixer, StageIF}
}

func (s *Session) Gain() GainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}

// SetGain applies an overall gain through the composite table of the
// current policy. The composite routine drives all three stages itself, so
// it also takes the stages out of AGC. Cached per-stage values are left
// alone.
func (s *Session) SetGain(gain float64) (float64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.setGain(gain)
}

func (s *Session) setGain(gain float64) (float64, error) {
	gain = overallGainRange.Clip(gain, true)
	value := uint8(gain)

	switch s.gain.Policy {
	case GainPolicySensitivity:
		if err := s.dev.SetSensitivityGain(value); err != nil {
			return s.gain.Overall, s.reject("set_sensitivity_gain", err)
		}
	default:
		if err := s.dev.SetLinearityGain(value); err != nil {
			return s.gain.Overall, s.reject("set_linearity_gain", err)
		}
	}

	s.gain.Overall = gain
	if s.gain.Auto {
		s.gain.Auto = false
		s.logger.Info().Float64("gain", gain).Msg("Overall gain replaced AGC")
	}
	return gain, nil
}

func (s *Session) SetLNAGain(gain float64) (float64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.setLNAGain(gain)
}

func (s *Session) setLNAGain(gain float64) (float64, error) {
	gain = stageGainRange.Clip(gain, true)
	if !s.gain.Auto {
		if err := s.dev.SetLNAGain(uint8(gain)); err != nil {
			return s.gain.LNA, s.reject("set_lna_gain", err)
		}
	}
	s.gain.LNA = gain
	return gain, nil
}

func (s *Session) SetMixerGain(gain float64) (float64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.setMixerGain(gain)
}

func (s *Session) setMixerGain(gain float64) (float64, error) {
	gain = stageGainRange.Clip(gain, true)
	if !s.gain.Auto {
		if err := s.dev.SetMixerGain(uint8(gain)); err != nil {
			return s.gain.Mixer, s.reject("set_mixer_gain", err)
		}
	}
	s.gain.Mixer = gain
	return gain, nil
}

// SetIFGain sets the VGA stage.
func (s *Session) SetIFGain(gain float64) (float64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.setIFGain(gain)
}

func (s *Session) setIFGain(gain float64) (float64, error) {
	gain = stageGainRange.Clip(gain, true)
	if !s.gain.Auto {
		if err := s.dev.SetVGAGain(uint8(gain)); err != nil {
			return s.gain.IF, s.reject("set_vga_gain", err)
		}
	}
	s.gain.IF = gain
	return gain, nil
}

// SetStageGain sets a stage by name. Unknown names set the overall gain.
func (s *Session) SetStageGain(name string, gain float64) (float64, error) {
	switch strings.ToUpper(name) {
	case StageLNA:
		return s.SetLNAGain(gain)
	case StageMixer:
		return s.SetMixerGain(gain)
	case StageIF:
		return s.SetIFGain(gain)
	default:
		return s.SetGain(gain)
	}
}

func (s *Session) StageGain(name string) float64 {
	g := s.Gain()
	switch strings.ToUpper(name) {
	case StageLNA:
		return g.LNA
	case StageMixer:
		return g.Mixer
	case StageIF:
		return g.IF
	default:
		return g.Overall
	}
}

func (s *Session) AutoGain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain.Auto
}

// SetAutoGain toggles the LNA and mixer AGC loops. Turning AGC off
// restores the manual stage gains.
func (s *Session) SetAutoGain(on bool) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if on {
		if err := s.dev.SetLNAAGC(true); err != nil {
			return s.gain.Auto, s.reject("set_lna_agc", err)
		}
		if err := s.dev.SetMixerAGC(true); err != nil {
			err = s.reject("set_mixer_agc", err)
			if !s.gain.Auto {
				if rbErr := s.dev.SetLNAAGC(false); rbErr != nil {
					s.logger.Warn().Err(rbErr).Msg("Failed to roll back LNA AGC")
				}
			}
			return s.gain.Auto, err
		}
		s.gain.Auto = true
		return true, nil
	}

	if err := s.dev.SetLNAAGC(false); err != nil {
		return s.gain.Auto, s.reject("set_lna_agc", err)
	}
	if err := s.dev.SetMixerAGC(false); err != nil {
		return s.gain.Auto, s.reject("set_mixer_agc", err)
	}
	s.gain.Auto = false

	if _, err := s.setLNAGain(s.gain.LNA); err != nil {
		return false, err
	}
	if _, err := s.setMixerGain(s.gain.Mixer); err != nil {
		return false, err
	}
	if _, err := s.setIFGain(s.gain.IF); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Session) GainPolicy() GainPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain.Policy
}

// SetGainPolicy selects the table used by later SetGain calls.
func (s *Session) SetGainPolicy(p GainPolicy) (GainPolicy, error) {
	if p != GainPolicyLinearity && p != GainPolicySensitivity {
		return s.GainPolicy(), fmt.Errorf("%w: gain policy %d", ErrUnsupportedValue, p)
	}
	if err := s.lock(); err != nil {
		return p, err
	}
	defer s.mu.Unlock()
	s.gain.Policy = p
	return p, nil
}

func (s *Session) Antennas() []string {
	return []string{fixedAntenna}
}

func (s *Session) Antenna() string {
	return fixedAntenna
}

// SetAntenna accepts any name; the only port is RX.
func (s *Session) SetAntenna(string) string {
	return fixedAntenna
}

func (s *Session) Bandwidth() float64 {
	return fixedBandwidth
}

// SetBandwidth accepts any value; the analog filter is fixed.
func (s *Session) SetBandwidth(float64) float64 {
	return fixedBandwidth
}

func (s *Session) BandwidthRange() util.Range {
	return util.Point(fixedBandwidth)
}

func (s *Session) SetBiasTee(on bool) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if err := s.setBiasTee(on); err != nil {
		return s.biasTee, err
	}
	return on, nil
}

func (s *Session) setBiasTee(on bool) error {
	bt, ok := s.dev.(device.BiasTee)
	if !ok {
		return fmt.Errorf("%w: bias tee on %s", ErrUnsupportedValue, s.info.ID())
	}
	if err := bt.SetBiasTee(on); err != nil {
		return s.reject("set_rf_bias", err)
	}
	s.biasTee = on
	return nil
}

func (s *Session) SetPacking(on bool) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if err := s.setPacking(on); err != nil {
		return s.packing, err
	}
	return on, nil
}

func (s *Session) setPacking(on bool) error {
	p, ok := s.dev.(device.Packer)
	if !ok {
		return fmt.Errorf("%w: packing on %s", ErrUnsupportedValue, s.info.ID())
	}
	if err := p.SetPacking(on); err != nil {
		return s.reject("set_packing", err)
	}
	s.packing = on
	return nil
}
