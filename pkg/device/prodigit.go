package device

import (
	"github.com/battlab/battlab/pkg/instrument"
	"github.com/battlab/battlab/pkg/transport"
)

// LoadMode is an electronic-load operating mode.
type LoadMode string

const (
	LoadCC LoadMode = "CC"
	LoadCV LoadMode = "CV"
	LoadCP LoadMode = "CP"
	LoadCR LoadMode = "CR"
)

// Prodigit drives a Prodigit 34205A electronic load.
type Prodigit struct {
	base
}

var _ Controller = (*Prodigit)(nil)

// NewProdigit builds a controller around the given transport.
func NewProdigit(id string, spec *instrument.Spec, tr transport.Transport) *Prodigit {
	return &Prodigit{base: newBase(id, spec, tr)}
}

// SetMode selects the load's operating mode.
func (p *Prodigit) SetMode(m LoadMode) error {
	switch m {
	case LoadCC:
		return p.send(instrument.CmdModeCC)
	case LoadCV:
		return p.send(instrument.CmdModeCV)
	case LoadCP:
		return p.send(instrument.CmdModeCP)
	case LoadCR:
		return p.send(instrument.CmdModeCR)
	}
	return ErrUnsupported
}

// SetCurrent programs the CC setpoint.
func (p *Prodigit) SetCurrent(amps float64) error {
	if err := p.checkCurrent(amps); err != nil {
		return err
	}
	return p.send(instrument.CmdSetCurrent, amps)
}

// SetVoltage programs the CV setpoint.
func (p *Prodigit) SetVoltage(volts float64) error {
	if err := p.checkVoltage(volts); err != nil {
		return err
	}
	return p.send(instrument.CmdSetVoltage, volts)
}

// SetPower programs the CP setpoint.
func (p *Prodigit) SetPower(watts float64) error {
	if err := p.checkPower(watts); err != nil {
		return err
	}
	return p.send(instrument.CmdSetPower, watts)
}

// Load switches the load input on or off.
func (p *Prodigit) Load(on bool) error {
	if on {
		return p.send(instrument.CmdLoadOn)
	}
	return p.send(instrument.CmdLoadOff)
}
