package sequence

import (
	"fmt"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/battlab/battlab/pkg/results"
)

var probeHeader = []string{"t_rel_s", "soc_pct", "voc_v", "esr_ohm"}

var (
	// statusPollSeconds is how often the discharge/charge phases check
	// whether the on-device run has finished.
	statusPollSeconds = 30.0
	// maxDischargeSeconds and maxChargeSeconds bound the two long phases. A
	// run past these gave up on the end condition.
	maxDischargeSeconds = 4.0 * 3600
	maxChargeSeconds    = 8.0 * 3600
)

// ModelParams configure a battery-model characterization run. Zero values
// take the defaults below.
type ModelParams struct {
	DischargeVoltage    float64 `json:"dischargeVoltage"`    // discharge end voltage, default 2.8 V
	DischargeEndCurrent float64 `json:"dischargeEndCurrent"` // discharge end current, default 0.1 A
	ChargeVFull         float64 `json:"chargeVFull"`         // full-charge voltage, default 4.2 V
	ChargeILimit        float64 `json:"chargeILimit"`        // charge current limit, default 1.0 A
	ESRIntervalSeconds  int     `json:"esrIntervalSeconds"`  // ESR probe interval, default 10 s
	ModelSlot           int     `json:"modelSlot"`           // on-device slot, default 1
	VMin                float64 `json:"vmin"`                // model range low, default DischargeVoltage
	VMax                float64 `json:"vmax"`                // model range high, default ChargeVFull
}

func (p *ModelParams) defaults() {
	if p.DischargeVoltage == 0 {
		p.DischargeVoltage = 2.8
	}
	if p.DischargeEndCurrent == 0 {
		p.DischargeEndCurrent = 0.1
	}
	if p.ChargeVFull == 0 {
		p.ChargeVFull = 4.2
	}
	if p.ChargeILimit == 0 {
		p.ChargeILimit = 1.0
	}
	if p.ESRIntervalSeconds == 0 {
		p.ESRIntervalSeconds = 10
	}
	if p.ModelSlot == 0 {
		p.ModelSlot = 1
	}
	if p.VMin == 0 {
		p.VMin = p.DischargeVoltage
	}
	if p.VMax == 0 {
		p.VMax = p.ChargeVFull
	}
}

func (p *ModelParams) validate() error {
	if p.DischargeVoltage < 2.0 || p.DischargeVoltage > 4.5 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "discharge voltage %.3f V outside [2.0, 4.5]", p.DischargeVoltage)
	}
	if p.ChargeVFull < 2.0 || p.ChargeVFull > 4.5 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "full-charge voltage %.3f V outside [2.0, 4.5]", p.ChargeVFull)
	}
	if p.DischargeEndCurrent < 0.1 || p.DischargeEndCurrent > 2.0 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "discharge end current %.3f A outside [0.1, 2.0]", p.DischargeEndCurrent)
	}
	if p.ESRIntervalSeconds < 1 || p.ESRIntervalSeconds > 300 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "ESR interval %d s outside [1, 300]", p.ESRIntervalSeconds)
	}
	if p.ModelSlot < 1 || p.ModelSlot > 9 {
		return pkgerrors.Wrapf(ErrInvalidParameter, "model slot %d outside [1, 9]", p.ModelSlot)
	}
	if p.VMin >= p.VMax {
		return pkgerrors.Wrapf(ErrInvalidParameter, "model range [%.3f, %.3f] is empty", p.VMin, p.VMax)
	}
	return nil
}

// StartBatteryModel validates the parameters and launches the three-phase
// characterization run on its own worker. The device is busy before this
// returns.
func (e *Engine) StartBatteryModel(p ModelParams) (*Session, error) {
	p.defaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.ChargeILimit <= 0 || p.ChargeILimit > e.dev.MaxCurrent() {
		return nil, pkgerrors.Wrapf(ErrInvalidParameter, "charge current limit %.3f A outside (0, %.3f]", p.ChargeILimit, e.dev.MaxCurrent())
	}

	s, err := e.begin("battery-model")
	if err != nil {
		return nil, err
	}

	go func() {
		e.finish(s, e.runModel(s, p))
	}()
	return s, nil
}

// socPercent maps an open-circuit voltage onto the model's voltage range,
// clamped to [0, 100].
func socPercent(voc, vmin, vmax float64) float64 {
	soc := (voc - vmin) / (vmax - vmin) * 100
	if soc < 0 {
		return 0
	}
	if soc > 100 {
		return 100
	}
	return soc
}

// waitPhase polls OperationActive until the on-device run completes,
// probing EVOC into the given log between polls. It returns
// ErrProcedureTimeout when maxSeconds elapses first.
func (e *Engine) waitPhase(s *Session, p ModelParams, probes *results.Writer, maxSeconds float64) error {
	t0 := time.Now()
	deadline := t0.Add(time.Duration(maxSeconds * float64(second)))
	for {
		if s.cancelled() {
			return ErrCancelled
		}
		if time.Now().After(deadline) {
			return pkgerrors.Wrapf(ErrProcedureTimeout, "%s did not finish in %.0f s", s.Phase(), maxSeconds)
		}

		active, err := e.dev.OperationActive()
		if err != nil {
			return asCommErr(err)
		}
		if !active {
			return nil
		}

		esr, voc, err := e.dev.MeasureEVOC()
		if err != nil {
			return asCommErr(err)
		}
		if err := probes.Append(
			strconv.FormatFloat(time.Since(t0).Seconds(), 'f', 1, 64),
			strconv.FormatFloat(socPercent(voc, p.VMin, p.VMax), 'f', 2, 64),
			strconv.FormatFloat(voc, 'f', 6, 64),
			strconv.FormatFloat(esr, 'f', 6, 64),
		); err != nil {
			return err
		}

		sleep(statusPollSeconds)
	}
}

func (e *Engine) runModel(s *Session, p ModelParams) error {
	s.setPhase(PhaseInitializing)

	probes, err := e.sink.Create("model_probes", probeHeader)
	if err != nil {
		return err
	}
	defer probes.Close()
	s.addFile(probes.Path())

	if err := e.dev.EnterBatteryTest(); err != nil {
		return asCommErr(err)
	}
	if err := e.dev.ConfigureDischarge(p.DischargeVoltage, p.DischargeEndCurrent); err != nil {
		return asCommErr(err)
	}

	s.setPhase(PhaseDischarge)
	logrus.WithField("session", s.ID()).Info("model discharge started")
	if err := e.dev.TestOutput(true); err != nil {
		return asCommErr(err)
	}
	if err := e.waitPhase(s, p, probes, maxDischargeSeconds); err != nil {
		return err
	}
	if err := e.dev.TestOutput(false); err != nil {
		return asCommErr(err)
	}

	if s.cancelled() {
		return ErrCancelled
	}

	s.setPhase(PhaseCharge)
	logrus.WithField("session", s.ID()).Info("model charge started")
	if err := e.dev.ConfigureCharge(p.ChargeVFull, p.ChargeILimit, p.ESRIntervalSeconds); err != nil {
		return asCommErr(err)
	}
	if err := e.dev.TestOutput(true); err != nil {
		return asCommErr(err)
	}
	if err := e.dev.StartAHMeasure(); err != nil {
		return asCommErr(err)
	}
	if err := e.waitPhase(s, p, probes, maxChargeSeconds); err != nil {
		return err
	}
	if err := e.dev.TestOutput(false); err != nil {
		return asCommErr(err)
	}

	if s.cancelled() {
		return ErrCancelled
	}

	s.setPhase(PhaseExport)
	if err := e.dev.GenerateModel(p.VMin, p.VMax, p.ModelSlot); err != nil {
		return asCommErr(err)
	}
	if err := e.dev.RecallModel(p.ModelSlot); err != nil {
		return asCommErr(err)
	}

	modelW, err := e.sink.Create(fmt.Sprintf("battery_model_slot%d", p.ModelSlot), results.ModelHeader)
	if err != nil {
		return err
	}
	defer modelW.Close()
	s.addFile(modelW.Path())

	s.setStep(0, 101)
	for row := 0; row <= 100; row++ {
		if s.cancelled() {
			return ErrCancelled
		}
		voc, esr, err := e.dev.ModelRow(p.ModelSlot, row)
		if err != nil {
			return asCommErr(err)
		}
		if err := results.AppendModelPoint(modelW, results.ModelPoint{
			SOC: float64(row),
			Voc: voc,
			ESR: esr,
		}); err != nil {
			return err
		}
		s.setStep(row+1, 101)
	}

	return nil
}
