package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trainerday/fitness-machine-connector/internal/ftms"
)

func TestMachineStatusFor_LifecycleCommands(t *testing.T) {
	status := machineStatusFor(ftms.Command{
		OpCode: ftms.OpCodeStartOrResume,
		Result: ftms.ResultSuccess,
	})
	assert.Equal(t, []byte{0x04}, status)

	status = machineStatusFor(ftms.Command{
		OpCode:    ftms.OpCodeStopOrPause,
		Result:    ftms.ResultSuccess,
		StopParam: ftms.StopParamPause,
	})
	assert.Equal(t, []byte{0x02, 0x02}, status)

	status = machineStatusFor(ftms.Command{
		OpCode: ftms.OpCodeReset,
		Result: ftms.ResultSuccess,
	})
	assert.Equal(t, []byte{0x01}, status)
}

func TestMachineStatusFor_TargetChanges(t *testing.T) {
	status := machineStatusFor(ftms.Command{
		OpCode:         ftms.OpCodeSetTargetPower,
		Result:         ftms.ResultSuccess,
		TargetPower:    250,
		HasTargetPower: true,
	})
	assert.Equal(t, []byte{0x08, 0xFA, 0x00}, status)

	// Negative targets wrap into the int16 wire form.
	status = machineStatusFor(ftms.Command{
		OpCode:         ftms.OpCodeSetTargetPower,
		Result:         ftms.ResultSuccess,
		TargetPower:    -10,
		HasTargetPower: true,
	})
	assert.Equal(t, []byte{0x08, 0xF6, 0xFF}, status)

	status = machineStatusFor(ftms.Command{
		OpCode:              ftms.OpCodeSetTargetResistance,
		Result:              ftms.ResultSuccess,
		TargetResistance:    32,
		HasTargetResistance: true,
	})
	assert.Equal(t, []byte{0x07, 0x20}, status)
}

func TestMachineStatusFor_NoStatus(t *testing.T) {
	// Rejected commands never produce a status notification.
	assert.Nil(t, machineStatusFor(ftms.Command{
		OpCode: ftms.OpCodeStartOrResume,
		Result: ftms.ResultOpCodeNotSupported,
	}))

	// Neither do commands without a status mapping.
	assert.Nil(t, machineStatusFor(ftms.Command{
		OpCode: ftms.OpCodeRequestControl,
		Result: ftms.ResultSuccess,
	}))

	// A malformed set-target that parsed no value stays quiet.
	assert.Nil(t, machineStatusFor(ftms.Command{
		OpCode: ftms.OpCodeSetTargetPower,
		Result: ftms.ResultSuccess,
	}))
}
