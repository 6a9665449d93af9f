package device

import (
	"github.com/battlab/battlab/pkg/instrument"
	"github.com/battlab/battlab/pkg/transport"
)

// Sorensen drives a Sorensen SGX-series programmable supply.
type Sorensen struct {
	base
}

var _ Controller = (*Sorensen)(nil)

// NewSorensen builds a controller around the given transport.
func NewSorensen(id string, spec *instrument.Spec, tr transport.Transport) *Sorensen {
	return &Sorensen{base: newBase(id, spec, tr)}
}

// SetVoltage programs the output voltage.
func (s *Sorensen) SetVoltage(volts float64) error {
	if err := s.checkVoltage(volts); err != nil {
		return err
	}
	return s.send(instrument.CmdSetVoltage, volts)
}

// SetCurrent programs the output current limit.
func (s *Sorensen) SetCurrent(amps float64) error {
	if err := s.checkCurrent(amps); err != nil {
		return err
	}
	return s.send(instrument.CmdSetCurrent, amps)
}

// SetOVP programs the over-voltage protection threshold.
func (s *Sorensen) SetOVP(volts float64) error {
	if err := s.checkVoltage(volts); err != nil {
		return err
	}
	return s.send(instrument.CmdSetOVP, volts)
}

// Output drives the output relay.
func (s *Sorensen) Output(on bool) error {
	if on {
		return s.send(instrument.CmdOutputOn)
	}
	return s.send(instrument.CmdOutputOff)
}
