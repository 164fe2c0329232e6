package server

import (
	"net/http"
	"time"

	"github.com/gloworm-vision/depthcam/pipeline"
	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 5 * time.Second

// events streams every pipeline state change to a websocket client, starting
// with the current state.
func (s *Server) events(res http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(res, req, nil)
	if err != nil {
		s.Logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	changes, cancel := s.Pipeline.Subscribe()
	defer cancel()

	// the client never sends anything; reading only notices it going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	current := pipeline.StateChange{State: s.Pipeline.State(), Episode: s.Pipeline.Episode(), At: time.Now()}
	if err := s.writeEvent(conn, current); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-req.Context().Done():
			return
		case change := <-changes:
			if err := s.writeEvent(conn, change); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, change pipeline.StateChange) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))

	if err := conn.WriteJSON(change); err != nil {
		s.Logger.WithError(err).Debug("websocket write failed")
		return err
	}

	return nil
}
