// Package proxy bridges client WebSockets to the CDP endpoint of a live
// session's browser.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/sessiond/internal/session"
)

const dialTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server proxies live-view connections for sessions this process owns.
type Server struct {
	manager *session.Manager
	log     zerolog.Logger
}

func NewServer(manager *session.Manager, log zerolog.Logger) *Server {
	return &Server{manager: manager, log: log}
}

// HandleLiveView upgrades the request and pumps frames between the
// client and the session's browser until either side closes. A session
// whose browser handle lives in another process cannot be viewed here.
func (s *Server) HandleLiveView(w http.ResponseWriter, r *http.Request, sessionID string) {
	view, err := s.manager.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if !view.Live || view.ConnectURL == "" {
		http.Error(w, "session has no live browser in this process", http.StatusConflict)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("sessionId", sessionID).Msg("websocket upgrade failed")
		return
	}
	defer clientConn.Close()

	dialCtx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()
	browserConn, _, err := websocket.DefaultDialer.DialContext(dialCtx, view.ConnectURL, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to reach session browser")
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "browser unreachable")
		_ = clientConn.WriteMessage(websocket.CloseMessage, msg)
		return
	}
	defer browserConn.Close()

	s.log.Info().Str("sessionId", sessionID).Msg("live view attached")

	errc := make(chan error, 2)
	go func() { errc <- pump(clientConn, browserConn) }()
	go func() { errc <- pump(browserConn, clientConn) }()

	err = <-errc
	if err != nil && !errors.Is(err, io.EOF) &&
		!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug().Err(err).Str("sessionId", sessionID).Msg("live view closed with error")
	}
	s.log.Info().Str("sessionId", sessionID).Msg("live view detached")
}

func pump(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
