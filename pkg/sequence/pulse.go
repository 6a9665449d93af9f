package sequence

import (
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/battlab/battlab/pkg/results"
)

// CSV schemas of the pulse test.
var (
	pulseHeader = []string{"t_rel_s", "volt_v", "curr_a"}
	restHeader  = []string{"t_rel_s", "evoc_v", "esr_ohm"}
)

// evocDelay is the settle delay the instrument applies before an EVOC
// reading, in seconds.
const evocDelay = 0.05

// restRateDivisor slows rest-phase sampling relative to pulse sampling.
const restRateDivisor = 2

// PulseParams configure a pulse test. Durations are seconds.
type PulseParams struct {
	Count          int     `json:"count"`
	PulseSeconds   float64 `json:"pulseSeconds"`
	RestSeconds    float64 `json:"restSeconds"`
	PulseCurrent   float64 `json:"pulseCurrent"`
	SampleInterval float64 `json:"sampleInterval,omitempty"` // default 0.5 s

	// RampSteps staircases the current up to PulseCurrent before each pulse
	// and back down after it, RampStepSeconds per step. Zero disables
	// ramping and the pulse edge is a single setpoint change.
	RampSteps       int     `json:"rampSteps,omitempty"`
	RampStepSeconds float64 `json:"rampStepSeconds,omitempty"` // default 0.5 s
}

func (p *PulseParams) defaults() {
	if p.SampleInterval == 0 {
		p.SampleInterval = 0.5
	}
	if p.RampSteps > 0 && p.RampStepSeconds == 0 {
		p.RampStepSeconds = 0.5
	}
}

// validate rejects out-of-bound parameters before any device interaction.
func (p PulseParams) validate(maxCurrent float64) error {
	if p.Count < 1 || p.Count > 100 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "pulse count %d outside [1, 100]", p.Count)
	}
	if p.PulseSeconds < 1 || p.PulseSeconds > 300 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "pulse duration %.1f s outside [1, 300]", p.PulseSeconds)
	}
	if p.RestSeconds < 1 || p.RestSeconds > 300 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "rest duration %.1f s outside [1, 300]", p.RestSeconds)
	}
	if p.PulseCurrent < 0.001 || p.PulseCurrent > maxCurrent {
		return pkgerrors.Wrapf(ErrInvalidParameter, "pulse current %.4f A outside [0.001, %.3f]", p.PulseCurrent, maxCurrent)
	}
	if p.SampleInterval <= 0 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "sample interval %.3f s must be positive", p.SampleInterval)
	}
	if p.RampSteps < 0 || p.RampSteps > 20 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "ramp steps %d outside [0, 20]", p.RampSteps)
	}
	if p.RampSteps > 0 && (p.RampStepSeconds <= 0 || p.RampStepSeconds > 60) {
		return pkgerrors.Wrapf(ErrInvalidParameter, "ramp step duration %.3f s outside (0, 60]", p.RampStepSeconds)
	}
	return nil
}

// StartPulseTest validates the parameters and launches the pulse procedure
// on its own worker. The device is busy before this returns.
func (e *Engine) StartPulseTest(p PulseParams) (*Session, error) {
	p.defaults()
	if err := p.validate(e.dev.MaxCurrent()); err != nil {
		return nil, err
	}

	s, err := e.begin("pulse")
	if err != nil {
		return nil, err
	}

	go func() {
		e.finish(s, e.runPulse(s, p))
	}()
	return s, nil
}

func (e *Engine) runPulse(s *Session, p PulseParams) error {
	s.setPhase(PhaseInitializing)
	s.setStep(0, p.Count)

	pulseW, err := e.sink.Create("pulse_bt", pulseHeader)
	if err != nil {
		return err
	}
	defer pulseW.Close()
	s.addFile(pulseW.Path())

	restW, err := e.sink.Create("rest_evoc", restHeader)
	if err != nil {
		return err
	}
	defer restW.Close()
	s.addFile(restW.Path())

	if err := e.dev.EnterBatteryTest(); err != nil {
		return asCommErr(err)
	}
	if err := e.dev.ConfigureSampling(p.SampleInterval, evocDelay); err != nil {
		return asCommErr(err)
	}

	t0 := time.Now()
	rel := func(deviceRel float64) float64 {
		if deviceRel >= 0 {
			return deviceRel
		}
		return time.Since(t0).Seconds()
	}

	for cyc := 1; cyc <= p.Count; cyc++ {
		if s.cancelled() {
			return ErrCancelled
		}
		s.setStep(cyc, p.Count)

		// pulse phase
		s.setPhase(PhasePulseActive)
		if err := e.dev.SetTestCurrent(p.startLevel()); err != nil {
			return asCommErr(err)
		}
		if err := e.dev.TestOutput(true); err != nil {
			return asCommErr(err)
		}
		if err := e.rampUp(s, p); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"session": s.ID(),
			"pulse":   cyc,
			"of":      p.Count,
		}).Debug("pulse phase")

		var vPulseEnd, iPulseEnd float64
		end := time.Now().Add(time.Duration(p.PulseSeconds * float64(second)))
		for time.Now().Before(end) {
			if s.cancelled() {
				return ErrCancelled
			}
			v, i, dr, err := e.dev.BufferTail()
			if err != nil {
				return asCommErr(err)
			}
			vPulseEnd, iPulseEnd = v, i
			if err := appendSample(pulseW, rel(dr), v, i); err != nil {
				return err
			}
			sleep(p.SampleInterval)
		}

		if s.cancelled() {
			return ErrCancelled
		}

		// rest phase
		s.setPhase(PhaseRestActive)
		if err := e.rampDown(s, p); err != nil {
			return err
		}
		if err := e.dev.TestOutput(false); err != nil {
			return asCommErr(err)
		}

		var vRestStart, iRestStart, vRestEnd float64
		first := true
		end = time.Now().Add(time.Duration(p.RestSeconds * float64(second)))
		for time.Now().Before(end) {
			if s.cancelled() {
				return ErrCancelled
			}
			v, i, _, err := e.dev.BufferTail()
			if err != nil {
				return asCommErr(err)
			}
			if first {
				vRestStart, iRestStart = v, i
				first = false
			}
			vRestEnd = v
			sleep(p.SampleInterval * restRateDivisor)
		}
		if first {
			// rest window too short for even one sample; probe directly
			v, i, _, err := e.dev.BufferTail()
			if err != nil {
				return asCommErr(err)
			}
			vRestStart, iRestStart, vRestEnd = v, i, v
		}

		esr := 0.0
		if di := iPulseEnd - iRestStart; di > 1e-9 || di < -1e-9 {
			esr = (vRestStart - vPulseEnd) / di
		}
		if err := appendSample(restW, time.Since(t0).Seconds(), vRestEnd, esr); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"session": s.ID(),
			"pulse":   cyc,
			"evoc":    vRestEnd,
			"esr":     esr,
		}).Debug("rest phase complete")
	}

	return nil
}

// startLevel is the setpoint to apply before the output is turned on. With
// ramping it is the lowest staircase level instead of the full current.
func (p PulseParams) startLevel() float64 {
	if p.RampSteps > 1 {
		return p.PulseCurrent / float64(p.RampSteps)
	}
	return p.PulseCurrent
}

// rampUp raises the setpoint in equal increments until the full pulse
// current is reached. The output is already on at the first level.
func (e *Engine) rampUp(s *Session, p PulseParams) error {
	for k := 2; k <= p.RampSteps; k++ {
		sleep(p.RampStepSeconds)
		if s.cancelled() {
			return ErrCancelled
		}
		if err := e.dev.SetTestCurrent(p.PulseCurrent * float64(k) / float64(p.RampSteps)); err != nil {
			return asCommErr(err)
		}
	}
	return nil
}

// rampDown walks the staircase back toward zero before the output is
// turned off.
func (e *Engine) rampDown(s *Session, p PulseParams) error {
	for k := p.RampSteps - 1; k >= 1; k-- {
		if err := e.dev.SetTestCurrent(p.PulseCurrent * float64(k) / float64(p.RampSteps)); err != nil {
			return asCommErr(err)
		}
		sleep(p.RampStepSeconds)
		if s.cancelled() {
			return ErrCancelled
		}
	}
	return nil
}

func appendSample(w *results.Writer, t, a, b float64) error {
	return w.Append(
		strconv.FormatFloat(t, 'f', 3, 64),
		strconv.FormatFloat(a, 'f', 6, 64),
		strconv.FormatFloat(b, 'f', 6, 64),
	)
}
