package connector

import (
	"context"
	"log"
	"sync"

	"github.com/trainerday/fitness-machine-connector/internal/bt"
	"github.com/trainerday/fitness-machine-connector/internal/ftms"
	"github.com/trainerday/fitness-machine-connector/internal/go_func_utils"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// Broadcaster is the peripheral side: it serves the Fitness Machine
// Service, advertises it, pushes each engine frame to subscribed head
// units, and mirrors accepted control commands as Machine Status
// notifications.
type Broadcaster struct {
	logger     *log.Logger
	peripheral *bt.Peripheral
	engine     *Engine
	control    *ftms.ControlPoint
	localName  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBroadcaster(logger *log.Logger, peripheral *bt.Peripheral, engine *Engine, control *ftms.ControlPoint, localName string) *Broadcaster {
	if logger == nil {
		panic("Broadcaster: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		logger:     logger,
		peripheral: peripheral,
		engine:     engine,
		control:    control,
		localName:  localName,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start registers the GATT services, begins advertising and launches the
// notifier goroutines.
func (br *Broadcaster) Start() error {
	if err := br.registerServices(); err != nil {
		return err
	}
	if err := br.peripheral.Advertise(br.localName, []string{ftms.ServiceUUID}); err != nil {
		return err
	}

	br.wg.Add(1)
	go_func_utils.SafeGo(br.logger, "frame notifier", func() {
		defer br.wg.Done()
		br.pushFrames()
	})

	br.wg.Add(1)
	go_func_utils.SafeGo(br.logger, "machine status notifier", func() {
		defer br.wg.Done()
		br.pushMachineStatus()
	})

	br.logger.Printf("Broadcaster: serving Fitness Machine Service as %q", br.localName)
	return nil
}

func (br *Broadcaster) Stop() {
	br.cancel()
	br.wg.Wait()
	if err := br.peripheral.StopAdvertising(); err != nil {
		br.logger.Printf("Broadcaster: stop advertising failed: %v", err)
	}
	br.logger.Println("Broadcaster: stopped")
}

func (br *Broadcaster) registerServices() error {
	return br.peripheral.AddService(bt.PeripheralService{
		UUID: ftms.ServiceUUID,
		Characteristics: []bt.PeripheralCharacteristic{
			{
				UUID:       ftms.CharUUIDIndoorBikeData,
				Value:      ftms.EncodeIndoorBikeData(&metrics.Record{}, br.engine.Profile()),
				Notifiable: true,
			},
			{
				UUID:     ftms.CharUUIDMachineFeature,
				Value:    ftms.EncodeMachineFeature(),
				Readable: true,
			},
			{
				UUID:     ftms.CharUUIDSupportedPowerRange,
				Value:    ftms.EncodeSupportedPowerRange(),
				Readable: true,
			},
			{
				UUID:     ftms.CharUUIDSupportedResistanceRange,
				Value:    ftms.EncodeSupportedResistanceRange(),
				Readable: true,
			},
			{
				UUID:               ftms.CharUUIDControlPoint,
				Writable:           true,
				WritableNoResponse: true,
				Indicatable:        true,
				OnWrite:            br.control.HandleWrite,
			},
			{
				UUID:       ftms.CharUUIDMachineStatus,
				Notifiable: true,
			},
		},
	})
}

func (br *Broadcaster) pushFrames() {
	frames := make(chan []byte, 4)
	defer br.engine.ListenToFrames(frames)()

	for {
		select {
		case <-br.ctx.Done():
			return
		case frame := <-frames:
			if err := br.peripheral.Notify(ftms.CharUUIDIndoorBikeData, frame); err != nil {
				br.logger.Printf("Broadcaster: frame notify failed: %v", err)
			}
		}
	}
}

func (br *Broadcaster) pushMachineStatus() {
	commands := make(chan ftms.Command, 4)
	defer br.control.ListenToCommands(commands)()

	for {
		select {
		case <-br.ctx.Done():
			return
		case cmd := <-commands:
			status := machineStatusFor(cmd)
			if status == nil {
				continue
			}
			if err := br.peripheral.Notify(ftms.CharUUIDMachineStatus, status); err != nil {
				br.logger.Printf("Broadcaster: machine status notify failed: %v", err)
			}
		}
	}
}

// machineStatusFor maps an accepted control command to the Machine Status
// notification it triggers, or nil when none applies.
func machineStatusFor(cmd ftms.Command) []byte {
	if cmd.Result != ftms.ResultSuccess {
		return nil
	}
	switch cmd.OpCode {
	case ftms.OpCodeReset:
		return []byte{ftms.StatusReset}
	case ftms.OpCodeStartOrResume:
		return []byte{ftms.StatusStartedByUser}
	case ftms.OpCodeStopOrPause:
		return []byte{ftms.StatusStoppedByUser, cmd.StopParam}
	case ftms.OpCodeSetTargetResistance:
		if !cmd.HasTargetResistance {
			return nil
		}
		return []byte{ftms.StatusTargetResistanceChange, cmd.TargetResistance}
	case ftms.OpCodeSetTargetPower:
		if !cmd.HasTargetPower {
			return nil
		}
		power := uint16(cmd.TargetPower)
		return []byte{ftms.StatusTargetPowerChange, byte(power), byte(power >> 8)}
	default:
		return nil
	}
}
