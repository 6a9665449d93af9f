package instrument

import "github.com/battlab/battlab/pkg/transport"

// Command template names. Not every model implements every operation; the
// controllers only reach for the templates their procedures need.
const (
	CmdIdentify       = "identify"
	CmdRemoteMode     = "remote_mode"
	CmdLocalMode      = "local_mode"
	CmdClearStatus    = "clear_status"
	CmdSetVoltage     = "set_voltage"
	CmdSetCurrent     = "set_current"
	CmdSetOVP         = "set_ovp"
	CmdOutputOn       = "output_on"
	CmdOutputOff      = "output_off"
	CmdMeasureVoltage = "measure_voltage"
	CmdMeasureCurrent = "measure_current"
	CmdMeasurePower   = "measure_power"

	// Keithley 2281S battery-test function
	CmdFuncPower        = "func_power"
	CmdFuncTest         = "func_test"
	CmdFuncQuery        = "func_query"
	CmdTestModeDis      = "test_mode_discharge"
	CmdTestCurrentLimit = "test_current_limit"
	CmdTestCurrentEnd   = "test_current_end"
	CmdTestVoltage      = "test_voltage"
	CmdTestOutputOn     = "test_output_on"
	CmdTestOutputOff    = "test_output_off"
	CmdSampleInterval   = "sample_interval"
	CmdEVOCDelay        = "evoc_delay"
	CmdDataClear        = "data_clear"
	CmdDataStatusOn     = "data_status_on"
	CmdDataStatusOff    = "data_status_off"
	CmdDataTail         = "data_tail"
	CmdTestExecStart    = "test_exec_start"
	CmdTestExecStop     = "test_exec_stop"
	CmdMeasureEVOC      = "measure_evoc"
	CmdAHVFull          = "ah_vfull"
	CmdAHILimit         = "ah_ilimit"
	CmdAHESRInterval    = "ah_esr_interval"
	CmdAHExecStart      = "ah_exec_start"
	CmdOperationCond    = "operation_cond"
	CmdModelRange       = "model_range"
	CmdModelSave        = "model_save"
	CmdModelRecall      = "model_recall"
	CmdModelRow         = "model_row"

	// Prodigit 34205A electronic load
	CmdModeCC        = "set_mode_cc"
	CmdModeCV        = "set_mode_cv"
	CmdModeCP        = "set_mode_cp"
	CmdModeCR        = "set_mode_cr"
	CmdSetPower      = "set_power"
	CmdSetResistance = "set_resistance"
	CmdLoadOn        = "load_on"
	CmdLoadOff       = "load_off"
)

var builtins = map[Kind]*Spec{
	KindKeithley2281S: {
		Name:       "Keithley 2281S",
		Kind:       KindKeithley2281S,
		MaxVoltage: 20.0,
		MaxCurrent: 6.0,
		MaxPower:   120.0,
		Transports: []transport.Kind{transport.KindTCP, transport.KindVISA},
		Commands: map[string]string{
			CmdIdentify:       "*IDN?",
			CmdRemoteMode:     "SYST:REM",
			CmdLocalMode:      "SYST:LOC",
			CmdClearStatus:    "*CLS",
			CmdSetVoltage:     ":SOUR:VOLT %.6f",
			CmdSetCurrent:     ":SOUR:CURR %.6f",
			CmdSetOVP:         ":VOLT:PROT %.6f",
			CmdOutputOn:       ":OUTP ON",
			CmdOutputOff:      ":OUTP OFF",
			CmdMeasureVoltage: ":MEAS:VOLT?",
			CmdMeasureCurrent: ":MEAS:CURR?",

			CmdFuncPower:        ":ENTRy:FUNC POWer",
			CmdFuncTest:         ":ENTRy:FUNC TEST",
			CmdFuncQuery:        ":ENTRy:FUNC?",
			CmdTestModeDis:      ":BATT:TEST:MODE DIS",
			CmdTestCurrentLimit: ":BATT:TEST:CURR:LIM:SOUR %.6f",
			CmdTestCurrentEnd:   ":BATT:TEST:CURR:END %.6f",
			CmdTestVoltage:      ":BATT:TEST:VOLT %.6f",
			CmdTestOutputOn:     ":BATT:OUTP ON",
			CmdTestOutputOff:    ":BATT:OUTP OFF",
			CmdSampleInterval:   ":BATT:TEST:SENS:SAMP:INT %.3f",
			CmdEVOCDelay:        ":BATT:TEST:SENS:EVOC:DELA %.3f",
			CmdDataClear:        ":BATT:DATA:CLE",
			CmdDataStatusOn:     ":BATT:DATA:STAT ON",
			CmdDataStatusOff:    ":BATT:DATA:STAT OFF",
			CmdDataTail:         ":BATT:DATA:DATA? \"VOLT,CURR,REL\"",
			CmdTestExecStart:    ":BATT:TEST:EXEC STAR",
			CmdTestExecStop:     ":BATT:TEST:EXEC STOP",
			CmdMeasureEVOC:      ":BATT:TEST:MEAS:EVOC?",
			CmdAHVFull:          ":BATT:TEST:SENS:AH:VFUL %.3f",
			CmdAHILimit:         ":BATT:TEST:SENS:AH:ILIM %.3f",
			CmdAHESRInterval:    ":BATT:TEST:SENS:AH:ESRI S%d",
			CmdAHExecStart:      ":BATT:TEST:SENS:AH:EXEC STAR",
			CmdOperationCond:    ":STAT:OPER:INST:ISUM:COND?",
			CmdModelRange:       ":BATT:TEST:SENS:AH:GMOD:RANG %.3f,%.3f",
			CmdModelSave:        ":BATT:TEST:SENS:AH:GMOD:SAVE:INT %d",
			CmdModelRecall:      ":BATT:MOD:RCL %d",
			CmdModelRow:         ":BATT:MOD%d:ROW%d?",
		},
	},

	KindSorensenSGX: {
		Name:       "Sorensen SGX400-12",
		Kind:       KindSorensenSGX,
		MaxVoltage: 400.0,
		MaxCurrent: 12.0,
		MaxPower:   4800.0,
		Transports: []transport.Kind{transport.KindSerial, transport.KindTCP, transport.KindVISA},
		Commands: map[string]string{
			CmdIdentify:       "*IDN?",
			CmdSetVoltage:     "SOUR:VOLT %.6f",
			CmdSetCurrent:     "SOUR:CURR %.6f",
			CmdSetOVP:         "SOUR:VOLT:PROT %.6f",
			CmdOutputOn:       "OUTP:STAT ON",
			CmdOutputOff:      "OUTP:STAT OFF",
			CmdMeasureVoltage: "MEAS:VOLT?",
			CmdMeasureCurrent: "MEAS:CURR?",
		},
	},

	KindProdigit34205A: {
		Name:       "Prodigit 34205A",
		Kind:       KindProdigit34205A,
		MaxVoltage: 600.0,
		MaxCurrent: 160.0,
		MaxPower:   5000.0,
		Transports: []transport.Kind{transport.KindSerial, transport.KindVISA},
		Commands: map[string]string{
			CmdIdentify:       "*IDN?",
			CmdModeCC:         "MODE CC",
			CmdModeCV:         "MODE CV",
			CmdModeCP:         "MODE CP",
			CmdModeCR:         "MODE CR",
			CmdSetCurrent:     "CC:HIGH %.4f",
			CmdSetVoltage:     "CV:HIGH %.4f",
			CmdSetPower:       "CP:HIGH %.4f",
			CmdSetResistance:  "CR:HIGH %.4f",
			CmdLoadOn:         "LOAD ON",
			CmdLoadOff:        "LOAD OFF",
			CmdMeasureVoltage: "MEAS:VOLT?",
			CmdMeasureCurrent: "MEAS:CURR?",
			CmdMeasurePower:   "MEAS:POW?",
		},
	},
}
