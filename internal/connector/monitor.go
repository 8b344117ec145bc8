package connector

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trainerday/fitness-machine-connector/internal/events"
	"github.com/trainerday/fitness-machine-connector/internal/ftms"
	"github.com/trainerday/fitness-machine-connector/internal/go_func_utils"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// monitorUpdate is one broadcast tick as the monitor publishes it: the raw
// frame in hex next to the decoded snapshot it was encoded from.
type monitorUpdate struct {
	FrameHex     string          `json:"frame"`
	Metrics      *metrics.Record `json:"metrics"`
	ControlState string          `json:"controlState"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Monitor serves a live web view of the broadcast: an index page, a JSON
// snapshot endpoint and a websocket that streams every outgoing frame.
// Useful to verify the byte stream without pairing a head unit.
type Monitor struct {
	logger  *log.Logger
	engine  *Engine
	control *ftms.ControlPoint
	server  *http.Server

	upgrader websocket.Upgrader
	updates  *events.CallbackEvent[monitorUpdate]

	cancelPump context.CancelFunc
	pumpDone   chan struct{}
}

func NewMonitor(logger *log.Logger, engine *Engine, control *ftms.ControlPoint) *Monitor {
	if logger == nil {
		panic("Monitor: logger cannot be nil")
	}
	if engine == nil {
		panic("Monitor: engine cannot be nil")
	}
	if control == nil {
		panic("Monitor: control cannot be nil")
	}
	return &Monitor{
		logger:  logger,
		engine:  engine,
		control: control,
		// The monitor is a local debugging tool; accept any origin.
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		updates:  events.NewCallbackEvent[monitorUpdate](true),
		pumpDone: make(chan struct{}),
	}
}

// Start serves on addr until Stop. It returns once the listener is
// starting; serve errors are logged, not returned.
func (m *Monitor) Start(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleIndex)
	mux.HandleFunc("/api/snapshot", m.handleSnapshot)
	mux.HandleFunc("/ws", m.handleWS)

	m.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelPump = cancel
	go_func_utils.SafeGo(m.logger, "monitor frame pump", func() {
		defer close(m.pumpDone)
		m.pumpFrames(ctx)
	})

	go_func_utils.SafeGo(m.logger, "monitor http server", func() {
		m.logger.Printf("Monitor: listening on http://%s", addr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Printf("Monitor: server error: %v", err)
		}
	})
}

func (m *Monitor) Stop() {
	if m.server == nil {
		return
	}
	m.cancelPump()
	<-m.pumpDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Printf("Monitor: shutdown error: %v", err)
	}
	m.logger.Println("Monitor: stopped")
}

// pumpFrames republishes engine frames to the per-client callbacks.
func (m *Monitor) pumpFrames(ctx context.Context) {
	frames := make(chan []byte, 4)
	defer m.engine.ListenToFrames(frames)()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			snap := m.engine.Snapshot()
			m.updates.Notify(monitorUpdate{
				FrameHex:     hex.EncodeToString(frame),
				Metrics:      &snap,
				ControlState: m.control.State().String(),
				Timestamp:    time.Now(),
			})
		}
	}
}

func (m *Monitor) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := m.engine.Snapshot()
	frame := ftms.EncodeIndoorBikeData(&snap, m.engine.Profile())

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(monitorUpdate{
		FrameHex:     hex.EncodeToString(frame),
		Metrics:      &snap,
		ControlState: m.control.State().String(),
		Timestamp:    time.Now(),
	})
	if err != nil {
		m.logger.Printf("Monitor: snapshot encode error: %v", err)
	}
}

func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Printf("Monitor: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	m.logger.Printf("Monitor: websocket client connected from %s", r.RemoteAddr)

	send := make(chan monitorUpdate, 8)
	unregister := m.updates.Listen(func(u monitorUpdate) {
		// A stalled client misses updates instead of blocking the pump.
		select {
		case send <- u:
		default:
		}
	})
	defer unregister()

	// Drain reads so we notice the client going away.
	closed := make(chan struct{})
	go_func_utils.SafeGo(m.logger, "monitor ws reader", func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	for {
		select {
		case <-closed:
			m.logger.Printf("Monitor: websocket client %s disconnected", r.RemoteAddr)
			return
		case u := <-send:
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (m *Monitor) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(monitorIndexHTML))
}

const monitorIndexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Fitness Machine Connector</title>
    <style>
        body { font-family: monospace; max-width: 720px; margin: 0 auto; padding: 20px; background: #111; color: #ddd; }
        h1 { font-size: 18px; }
        .metric { display: inline-block; width: 160px; margin: 6px 0; }
        .metric b { color: #7ec8ff; }
        #frame { color: #9f9; word-break: break-all; }
        #state { color: #fc6; }
    </style>
</head>
<body>
    <h1>Fitness Machine Connector</h1>
    <div>Control state: <span id="state">-</span></div>
    <div id="metrics"></div>
    <h1>Indoor Bike Data frame</h1>
    <div id="frame">-</div>
    <script>
        const ws = new WebSocket("ws://" + location.host + "/ws");
        ws.onmessage = (ev) => {
            const u = JSON.parse(ev.data);
            document.getElementById("frame").textContent = u.frame;
            document.getElementById("state").textContent = u.controlState;
            const box = document.getElementById("metrics");
            box.innerHTML = "";
            for (const [name, value] of Object.entries(u.metrics || {})) {
                const div = document.createElement("div");
                div.className = "metric";
                div.innerHTML = "<b>" + name + "</b> " + value;
                box.appendChild(div);
            }
        };
        ws.onclose = () => { document.getElementById("state").textContent = "connection lost"; };
    </script>
</body>
</html>
`
