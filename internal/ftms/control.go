package ftms

import (
	"fmt"
	"log"
	"sync"

	"github.com/trainerday/fitness-machine-connector/internal/events"
)

// ControlState tracks where the control point machine is. Reset returns
// the machine to Idle without dropping the connection.
type ControlState int

const (
	StateIdle ControlState = iota
	StateControlRequested
	StateRunning
	StateStopped
)

func (s ControlState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateControlRequested:
		return "control-requested"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Command describes one applied control point request, published to
// command listeners alongside the response the client got.
type Command struct {
	OpCode byte
	Result byte

	// Parameter fields for the opcodes that carry them. The Has flags
	// stay false when the request was too short to include the value.
	TargetPower         int16
	HasTargetPower      bool
	TargetResistance    uint8
	HasTargetResistance bool
	// StopParam distinguishes stop from pause for OpCodeStopOrPause.
	StopParam byte
}

func (c Command) String() string {
	switch c.OpCode {
	case OpCodeRequestControl:
		return "Request Control"
	case OpCodeReset:
		return "Reset"
	case OpCodeSetTargetResistance:
		if c.HasTargetResistance {
			return fmt.Sprintf("Set Target Resistance: %d", c.TargetResistance)
		}
		return "Set Target Resistance"
	case OpCodeSetTargetPower:
		if c.HasTargetPower {
			return fmt.Sprintf("Set Target Power: %dW", c.TargetPower)
		}
		return "Set Target Power"
	case OpCodeStartOrResume:
		return "Start/Resume"
	case OpCodeStopOrPause:
		if c.StopParam == StopParamPause {
			return "Pause"
		}
		return "Stop"
	case OpCodeSetSimulationParams:
		return "Set Simulation Parameters"
	}
	return fmt.Sprintf("Unknown opcode 0x%02X", c.OpCode)
}

// ControlPoint implements the writable FTMS control characteristic: it
// applies each request, tracks the machine state and targets, and
// produces the response indication the client expects.
//
// Control is tracked but never enforced. Training apps in the wild write
// targets without the Request Control handshake, and rejecting them with
// ControlNotPermitted only breaks pairing, so every recognized request
// succeeds. ControlGranted reports whether the handshake happened.
type ControlPoint struct {
	logger *log.Logger

	mu                  sync.Mutex
	state               ControlState
	controlGranted      bool
	targetPower         int16
	hasTargetPower      bool
	targetResistance    uint8
	hasTargetResistance bool

	commandEvent *events.ChannelEvent[Command]
}

// NewControlPoint creates a control point machine in the Idle state.
func NewControlPoint(logger *log.Logger) *ControlPoint {
	if logger == nil {
		panic("ControlPoint: logger cannot be nil")
	}
	return &ControlPoint{
		logger:       logger,
		commandEvent: events.NewChannelEvent[Command](false),
	}
}

// HandleWrite processes one write to the control characteristic and
// returns the response indication payload {0x80, opcode, result}. An
// empty write returns nil: there is no opcode to respond to. HandleWrite
// never fails; unrecognized opcodes produce a NotSupported response.
func (cp *ControlPoint) HandleWrite(request []byte) []byte {
	if len(request) == 0 {
		cp.logger.Printf("ControlPoint: empty write ignored")
		return nil
	}
	cp.logger.Printf("ControlPoint: write %x", request)

	opCode := request[0]
	cmd := cp.apply(opCode, request)
	cp.commandEvent.Notify(cmd)
	cp.logger.Printf("ControlPoint: %s -> result 0x%02X", cmd, cmd.Result)

	return []byte{OpCodeResponseCode, opCode, cmd.Result}
}

// apply updates the machine for one request under the lock and returns
// the command record to publish.
func (cp *ControlPoint) apply(opCode byte, request []byte) Command {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cmd := Command{OpCode: opCode, Result: ResultSuccess}

	switch opCode {
	case OpCodeRequestControl:
		cp.controlGranted = true
		if cp.state == StateIdle {
			cp.state = StateControlRequested
		}
	case OpCodeReset:
		cp.state = StateIdle
		cp.controlGranted = false
		cp.hasTargetPower = false
		cp.hasTargetResistance = false
	case OpCodeSetTargetResistance:
		// A request too short to carry the parameter is acknowledged
		// without applying anything.
		if len(request) >= 2 {
			cp.targetResistance = request[1]
			cp.hasTargetResistance = true
			cmd.TargetResistance = request[1]
			cmd.HasTargetResistance = true
		}
	case OpCodeSetTargetPower:
		if len(request) >= 3 {
			power := int16(uint16(request[1]) | uint16(request[2])<<8)
			cp.targetPower = power
			cp.hasTargetPower = true
			cmd.TargetPower = power
			cmd.HasTargetPower = true
		}
	case OpCodeStartOrResume:
		cp.state = StateRunning
	case OpCodeStopOrPause:
		cmd.StopParam = StopParamStop
		if len(request) > 1 {
			cmd.StopParam = request[1]
		}
		cp.state = StateStopped
	case OpCodeSetSimulationParams:
		// Acknowledged so simulation-driven apps keep working; the grade
		// and wind parameters steer nothing.
	default:
		cmd.Result = ResultOpCodeNotSupported
	}

	return cmd
}

// State returns the current machine state.
func (cp *ControlPoint) State() ControlState {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.state
}

// ControlGranted reports whether a client has requested control since the
// last reset.
func (cp *ControlPoint) ControlGranted() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.controlGranted
}

// TargetPower returns the last target power a client set, if any.
func (cp *ControlPoint) TargetPower() (int16, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.targetPower, cp.hasTargetPower
}

// TargetResistance returns the last target resistance a client set, if
// any.
func (cp *ControlPoint) TargetResistance() (uint8, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.targetResistance, cp.hasTargetResistance
}

// ListenToCommands registers a channel to receive every applied command.
// The returned function unregisters it.
func (cp *ControlPoint) ListenToCommands(ch chan<- Command) func() {
	return cp.commandEvent.Listen(ch)
}
