package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/internal/logging"
	"github.com/stepherg/manup/translate"
)

const writeWait = 10 * time.Second

// StatusService is the part of *runtime.Orchestrator the API needs.
type StatusService interface {
	State() manup.DerivedState
	FocusRegained() bool
	Subscribe(cb manup.Callbacks) (manup.Subscription, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API already answers any origin via CORS.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StatusHandler serves the current derived state.
func StatusHandler(svc StatusService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(translate.NewSnapshot(svc.State()))
	}
}

// RefreshHandler treats the request as a focus-regained signal and answers 202 once the
// refetch is queued. Hosts with refetch on focus disabled get 409.
func RefreshHandler(svc StatusService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !svc.FocusRegained() {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{"accepted": false, "error": "refetch on focus disabled"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}
}

// StreamHandler upgrades to a websocket, writes one snapshot frame and then one frame per
// status transition or fetch error until the client goes away.
func StreamHandler(svc StatusService, logger pslog.Logger) http.HandlerFunc {
	logger = logging.WithSubsystem(logger, "http.stream")
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := svc.Subscribe(manup.Callbacks{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer sub.Close()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("stream.upgrade.failed", "error", err)
			return
		}
		defer conn.Close()
		log := logger.With("subscription", sub.ID())
		log.Debug("stream.opened", "remote", r.RemoteAddr)

		// Reads only detect the peer going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				log.Debug("stream.closed")
				return
			case <-r.Context().Done():
				return
			case evt, ok := <-sub.Events():
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(writeWait))
					return
				}
				var frame []byte
				if evt.Kind == manup.EventSnapshot {
					frame, err = translate.BuildSnapshot(svc.State())
				} else {
					frame, err = translate.BuildEvent(evt)
				}
				if err != nil {
					log.Warn("stream.encode.failed", "error", err)
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					log.Debug("stream.write.failed", "error", err)
					return
				}
			}
		}
	}
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
