package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalnine/orruns/internal/api"
	"go.uber.org/zap"
)

// Snapshot is the message pushed to websocket clients.
type Snapshot struct {
	Type        string                  `json:"type"`
	Experiments []api.ExperimentSummary `json:"experiments"`
}

const writeWait = 5 * time.Second

// handleWS sends a snapshot of the experiment list on connect and again
// every time it changes, until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	var last []byte
	for {
		msg, err := s.snapshot()
		if err != nil {
			s.logger.Warn("building snapshot", zap.Error(err))
		} else if !bytes.Equal(msg, last) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
			last = msg
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) snapshot() ([]byte, error) {
	exps, err := s.api.ListExperiments(api.ListOptions{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Snapshot{Type: "experiments", Experiments: exps})
}
