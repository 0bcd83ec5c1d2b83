package device

// CompositeGainSteps is the number of overall gain settings (0-21).
const CompositeGainSteps = 22

// Stages is one LNA/mixer/VGA gain index triple.
type Stages struct {
	LNA   uint8
	Mixer uint8
	VGA   uint8
}

// Composite gain tables, highest gain first. They match the tables libairspy
// uses for its linearity and sensitivity routines, so backends without a
// native composite routine behave the same way.
var (
	linearityVGA   = [CompositeGainSteps]uint8{13, 12, 11, 11, 11, 11, 11, 10, 10, 10, 10, 10, 10, 10, 10, 10, 9, 8, 7, 6, 5, 4}
	linearityMixer = [CompositeGainSteps]uint8{12, 12, 11, 9, 8, 7, 6, 6, 5, 0, 0, 1, 0, 0, 2, 2, 1, 1, 1, 1, 0, 0}
	linearityLNA   = [CompositeGainSteps]uint8{14, 14, 14, 13, 12, 10, 9, 9, 8, 9, 8, 6, 5, 3, 1, 0, 0, 0, 0, 0, 0, 0}

	sensitivityVGA   = [CompositeGainSteps]uint8{13, 12, 11, 10, 9, 8, 7, 6, 5, 5, 5, 5, 5, 4, 4, 4, 4, 4, 4, 4, 4, 4}
	sensitivityMixer = [CompositeGainSteps]uint8{12, 12, 12, 12, 11, 10, 10, 9, 9, 8, 7, 4, 4, 4, 3, 2, 2, 1, 0, 0, 0, 0}
	sensitivityLNA   = [CompositeGainSteps]uint8{14, 14, 14, 14, 14, 14, 14, 14, 14, 13, 12, 12, 9, 9, 8, 7, 6, 5, 3, 2, 1, 0}
)

func tableIndex(value uint8) int {
	if value >= CompositeGainSteps {
		value = CompositeGainSteps - 1
	}
	return CompositeGainSteps - 1 - int(value)
}

// LinearityGains maps an overall gain (0-21) to stage indexes optimized for
// strong-signal linearity.
func LinearityGains(value uint8) Stages {
	i := tableIndex(value)
	return Stages{LNA: linearityLNA[i], Mixer: linearityMixer[i], VGA: linearityVGA[i]}
}

// SensitivityGains maps an overall gain (0-21) to stage indexes optimized
// for weak-signal sensitivity.
func SensitivityGains(value uint8) Stages {
	i := tableIndex(value)
	return Stages{LNA: sensitivityLNA[i], Mixer: sensitivityMixer[i], VGA: sensitivityVGA[i]}
}

// StageSetter is the subset of Device needed to apply a composite gain.
type StageSetter interface {
	SetLNAGain(value uint8) error
	SetMixerGain(value uint8) error
	SetVGAGain(value uint8) error
	SetLNAAGC(on bool) error
	SetMixerAGC(on bool) error
}

// ApplyStages disables AGC and writes the three stage gains in the order
// libairspy does. Backends without a native composite routine call it from
// SetLinearityGain and SetSensitivityGain.
func ApplyStages(d StageSetter, s Stages) error {
	if err := d.SetMixerAGC(false); err != nil {
		return err
	}
	if err := d.SetLNAAGC(false); err != nil {
		return err
	}
	if err := d.SetVGAGain(s.VGA); err != nil {
		return err
	}
	if err := d.SetMixerGain(s.Mixer); err != nil {
		return err
	}
	return d.SetLNAGain(s.LNA)
}
