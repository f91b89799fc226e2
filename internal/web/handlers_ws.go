package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Trapezohe/companion-service/internal/runtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is not the gate; loopback plus the bearer token is.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsPollInterval = 200 * time.Millisecond

type wsOutputFrame struct {
	Type   string `json:"type"`
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

type wsExitFrame struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
}

// handleSessionWS streams a session's output over a websocket: one frame
// per new chunk of stdout/stderr, then a final exited frame.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.cfg.Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		webLog.Warn("ws_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	offsets := map[string]int{"stdout": 0, "stderr": 0}
	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
		}

		slices, err := s.cfg.Sessions.Log(id, "both", 0, 0)
		if err != nil {
			return
		}
		for _, stream := range []string{"stdout", "stderr"} {
			slice := slices[stream]
			if slice.Total < offsets[stream] {
				// Ring trimmed past our cursor; resync to the tail.
				offsets[stream] = slice.Total
			}
			if slice.Total == offsets[stream] {
				continue
			}
			page, err := s.cfg.Sessions.Log(id, stream, offsets[stream], 0)
			if err != nil {
				return
			}
			data := page[stream]
			offsets[stream] = data.NextOffset
			if err := conn.WriteJSON(wsOutputFrame{Type: "output", Stream: stream, Data: data.Output}); err != nil {
				return
			}
		}

		snap, ok := s.cfg.Sessions.Get(id)
		if !ok {
			return
		}
		if snap.Status == runtime.SessionExited {
			_ = conn.WriteJSON(wsExitFrame{Type: "exited", ExitCode: snap.ExitCode, TimedOut: snap.TimedOut})
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session exited"))
			return
		}
	}
}
