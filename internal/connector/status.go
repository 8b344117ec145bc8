package connector

import (
	"context"
	"encoding/json"
	"io"
	"log"

	"github.com/trainerday/fitness-machine-connector/internal/ftms"
	"github.com/trainerday/fitness-machine-connector/internal/go_func_utils"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// statusLine is one event in the headless output stream, mirroring the
// JSON-lines protocol the feed reads: merged metrics as they change, and
// control commands as head units send them.
type statusLine struct {
	Type             string          `json:"type"`
	Metrics          *metrics.Record `json:"metrics,omitempty"`
	Command          string          `json:"command,omitempty"`
	Result           string          `json:"result,omitempty"`
	State            string          `json:"state,omitempty"`
	TargetPower      *int16          `json:"targetPower,omitempty"`
	TargetResistance *uint8          `json:"targetResistance,omitempty"`
}

// StatusWriter streams status lines to out so a parent process can follow
// the broadcast without a terminal UI.
type StatusWriter struct {
	logger  *log.Logger
	engine  *Engine
	control *ftms.ControlPoint
	out     io.Writer

	cancel context.CancelFunc
	done   chan struct{}
}

func NewStatusWriter(logger *log.Logger, engine *Engine, control *ftms.ControlPoint, out io.Writer) *StatusWriter {
	if logger == nil {
		panic("StatusWriter: logger cannot be nil")
	}
	return &StatusWriter{
		logger:  logger,
		engine:  engine,
		control: control,
		out:     out,
		done:    make(chan struct{}),
	}
}

func (sw *StatusWriter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sw.cancel = cancel
	go_func_utils.SafeGo(sw.logger, "status writer", func() {
		defer close(sw.done)
		sw.run(ctx)
	})
}

func (sw *StatusWriter) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

func (sw *StatusWriter) run(ctx context.Context) {
	records := make(chan metrics.Record, 4)
	defer sw.engine.ListenToRecords(records)()
	commands := make(chan ftms.Command, 4)
	defer sw.control.ListenToCommands(commands)()

	encoder := json.NewEncoder(sw.out)
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-records:
			sw.write(encoder, statusLine{Type: "metrics", Metrics: &rec})
		case cmd := <-commands:
			line := statusLine{
				Type:    "control",
				Command: cmd.String(),
				Result:  resultName(cmd.Result),
				State:   sw.control.State().String(),
			}
			if cmd.HasTargetPower {
				v := cmd.TargetPower
				line.TargetPower = &v
			}
			if cmd.HasTargetResistance {
				v := cmd.TargetResistance
				line.TargetResistance = &v
			}
			sw.write(encoder, line)
		}
	}
}

func (sw *StatusWriter) write(encoder *json.Encoder, line statusLine) {
	if err := encoder.Encode(line); err != nil {
		sw.logger.Printf("StatusWriter: write failed: %v", err)
	}
}

func resultName(result byte) string {
	switch result {
	case ftms.ResultSuccess:
		return "success"
	case ftms.ResultOpCodeNotSupported:
		return "not-supported"
	case ftms.ResultInvalidParameter:
		return "invalid-parameter"
	case ftms.ResultOperationFailed:
		return "operation-failed"
	case ftms.ResultControlNotPermitted:
		return "not-permitted"
	default:
		return "unknown"
	}
}
