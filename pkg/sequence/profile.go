package sequence

import (
	"encoding/csv"
	"math"
	"os"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// profileHeader is the schema of the run-long playback log.
var profileHeader = []string{"timestamp", "t_rel_s", "target_current_a", "mode", "volt_v", "curr_a"}

// logTimestampLayout matches the monitoring log's wall-clock format.
const logTimestampLayout = "2006-01-02 15:04:05.000"

// Mode is the virtual operating mode derived from a sample's sign.
type Mode string

const (
	ModeCharging    Mode = "Charging"
	ModeDischarging Mode = "Discharging"
)

// ProfilePoint is one (time offset, current) sample. Positive current
// charges, negative discharges.
type ProfilePoint struct {
	TimeOffset float64 `json:"t"`
	Current    float64 `json:"i"`
}

// ProfileParams configure a playback run.
type ProfileParams struct {
	Points []ProfilePoint `json:"points"`
	// ChargeVoltage is the supply voltage during charging segments.
	ChargeVoltage float64 `json:"chargeVoltage,omitempty"` // default 4.2 V
}

func (p *ProfileParams) defaults() {
	if p.ChargeVoltage == 0 {
		p.ChargeVoltage = 4.2
	}
}

// segment is one planned playback step: a mode, a current magnitude, and a
// dwell in seconds.
type segment struct {
	mode    Mode
	current float64
	dwell   float64
}

// planSegments validates the profile and derives the playback plan. Mode
// switches appear only where the sign changes; zero-current samples keep
// the mode they are in, so consecutive same-sign samples share one switch.
func planSegments(points []ProfilePoint, maxCurrent float64) ([]segment, error) {
	if len(points) == 0 {
		return nil, pkgerrors.Wrap(ErrInvalidProfile, "profile is empty")
	}

	segs := make([]segment, 0, len(points))
	mode := ModeCharging
	for i, pt := range points {
		if i > 0 && pt.TimeOffset <= points[i-1].TimeOffset {
			return nil, pkgerrors.Wrapf(ErrInvalidProfile,
				"sample %d: time %.3f s does not increase past %.3f s", i, pt.TimeOffset, points[i-1].TimeOffset)
		}
		if mag := math.Abs(pt.Current); mag > maxCurrent {
			return nil, pkgerrors.Wrapf(ErrInvalidProfile,
				"sample %d: |%.3f| A exceeds device limit %.3f A", i, pt.Current, maxCurrent)
		}

		switch {
		case pt.Current > 0:
			mode = ModeCharging
		case pt.Current < 0:
			mode = ModeDischarging
		}

		dwell := 1.0
		if i < len(points)-1 {
			dwell = points[i+1].TimeOffset - pt.TimeOffset
		} else if i > 0 {
			dwell = pt.TimeOffset - points[i-1].TimeOffset
		}

		segs = append(segs, segment{mode: mode, current: math.Abs(pt.Current), dwell: dwell})
	}
	return segs, nil
}

// countModeSwitches reports how many mode transitions the plan performs,
// including the initial switch into the first segment's mode.
func countModeSwitches(segs []segment) int {
	if len(segs) == 0 {
		return 0
	}
	n := 1
	for i := 1; i < len(segs); i++ {
		if segs[i].mode != segs[i-1].mode {
			n++
		}
	}
	return n
}

// LoadProfileCSV reads a playback profile with "time_s,current_a" columns.
func LoadProfileCSV(path string) ([]ProfilePoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open profile %s", path)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read profile %s", path)
	}

	var points []ProfilePoint
	for i, row := range rows {
		if len(row) < 2 {
			return nil, pkgerrors.Wrapf(ErrInvalidProfile, "%s row %d: want 2 fields", path, i)
		}
		if i == 0 && row[0] == "time_s" {
			continue
		}
		t, err1 := strconv.ParseFloat(row[0], 64)
		c, err2 := strconv.ParseFloat(row[1], 64)
		if err1 != nil || err2 != nil {
			return nil, pkgerrors.Wrapf(ErrInvalidProfile, "%s row %d: unparseable fields", path, i)
		}
		points = append(points, ProfilePoint{TimeOffset: t, Current: c})
	}
	return points, nil
}

// StartProfile validates the profile and launches playback on its own
// worker. The device is busy before this returns.
func (e *Engine) StartProfile(p ProfileParams) (*Session, error) {
	p.defaults()
	segs, err := planSegments(p.Points, e.dev.MaxCurrent())
	if err != nil {
		return nil, err
	}
	if p.ChargeVoltage < 0 || p.ChargeVoltage > e.dev.MaxVoltage() {
		return nil, pkgerrors.Wrapf(ErrInvalidProfile, "charge voltage %.3f V outside [0, %.3f]", p.ChargeVoltage, e.dev.MaxVoltage())
	}

	s, err := e.begin("profile")
	if err != nil {
		return nil, err
	}

	go func() {
		e.finish(s, e.runProfile(s, p, segs))
	}()
	return s, nil
}

// enterMode performs the expensive instrument function switch. Outputs are
// dropped first; a switch with a live output trips the 2281S's interlock.
func (e *Engine) enterMode(to Mode, chargeVoltage float64) error {
	if err := e.dev.TestOutput(false); err != nil {
		return err
	}
	if err := e.dev.Output(false); err != nil {
		return err
	}

	if to == ModeCharging {
		if err := e.dev.EnterPowerSupply(); err != nil {
			return err
		}
		return e.dev.SetSourceVoltage(chargeVoltage)
	}

	if err := e.dev.EnterBatteryTest(); err != nil {
		return err
	}
	return nil
}

func (e *Engine) runProfile(s *Session, p ProfileParams, segs []segment) error {
	s.setPhase(PhaseInitializing)
	s.setStep(0, len(segs))

	logW, err := e.sink.Create("profile_log", profileHeader)
	if err != nil {
		return err
	}
	defer logW.Close()
	s.addFile(logW.Path())

	var mode Mode
	t0 := time.Now()

	s.setPhase(PhasePlayback)
	for i, seg := range segs {
		if s.cancelled() {
			return ErrCancelled
		}
		s.setStep(i+1, len(segs))

		if seg.mode != mode {
			logrus.WithFields(logrus.Fields{
				"session": s.ID(),
				"from":    mode,
				"to":      seg.mode,
			}).Info("profile mode switch")
			if err := e.enterMode(seg.mode, p.ChargeVoltage); err != nil {
				return asCommErr(err)
			}
			mode = seg.mode
		}

		// value updates are cheap; only the switch above is expensive
		if mode == ModeCharging {
			if err := e.dev.SetSourceCurrent(seg.current); err != nil {
				return asCommErr(err)
			}
			if err := e.dev.Output(true); err != nil {
				return asCommErr(err)
			}
		} else {
			if err := e.dev.SetTestCurrent(seg.current); err != nil {
				return asCommErr(err)
			}
			if err := e.dev.TestOutput(true); err != nil {
				return asCommErr(err)
			}
		}

		sleep(seg.dwell)

		m, err := e.dev.Measurements()
		if err != nil {
			return asCommErr(err)
		}
		signed := seg.current
		if mode == ModeDischarging {
			signed = -signed
		}
		if err := logW.Append(
			m.Timestamp.Format(logTimestampLayout),
			strconv.FormatFloat(time.Since(t0).Seconds(), 'f', 3, 64),
			strconv.FormatFloat(signed, 'f', 6, 64),
			string(mode),
			strconv.FormatFloat(m.Voltage, 'f', 6, 64),
			strconv.FormatFloat(m.Current, 'f', 6, 64),
		); err != nil {
			return err
		}
	}

	return nil
}
