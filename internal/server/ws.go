package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/glyphoxa-kws/internal/session"
)

// maxCloseReason is the longest close reason a WebSocket close frame can
// carry.
const maxCloseReason = 123

// wsSender writes session frames as JSON text messages. Writes on a
// websocket.Conn are safe for concurrent use.
type wsSender struct {
	conn *websocket.Conn
}

func (ws wsSender) Send(ctx context.Context, f session.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws.conn, f)
}

// handleWS handles GET /ws. Binary messages are audio chunks, text messages
// are control messages.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	ctx := r.Context()
	out := wsSender{conn: conn}

	sess, err := s.manager.Open(ctx, out)
	if err != nil {
		slog.Warn("session refused", "remote", r.RemoteAddr, "err", err)
		_ = out.Send(ctx, session.ErrorFrame(err))
		conn.Close(websocket.StatusInternalError, closeReason(err))
		return
	}
	defer sess.Close()

	id := sess.ID()
	if err := out.Send(ctx, session.SystemFrame("WebSocket connection opened. Client ID: "+id)); err != nil {
		return
	}
	if s.registry.Len() == 0 {
		_ = out.Send(ctx, session.WarningFrame("No keywords enrolled; scores stay empty until a keyword is added"))
	}

	err = serve(sess, conn)
	switch {
	case errors.Is(err, session.ErrSessionClosed):
		_ = out.Send(ctx, session.SystemFrame("WebSocket disconnected. Client ID: "+id))
		conn.Close(websocket.StatusNormalClosure, "session closed")
	case errors.Is(err, session.ErrModelState):
		_ = out.Send(ctx, session.ErrorFrame(err))
		conn.Close(websocket.StatusInternalError, closeReason(err))
	case websocket.CloseStatus(err) != -1:
		slog.Debug("client closed websocket", "session", id, "status", websocket.CloseStatus(err))
	default:
		slog.Debug("websocket ended", "session", id, "err", err)
	}
}

// serve feeds inbound messages to sess in arrival order until the
// connection or the session ends.
func serve(sess *session.Session, conn *websocket.Conn) error {
	ctx := sess.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if sess.State() == session.StateClosed {
				return session.ErrSessionClosed
			}
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			err = sess.HandleAudio(ctx, data)
		case websocket.MessageText:
			err = sess.HandleControl(ctx, data)
		}
		if err != nil {
			return err
		}
	}
}

func closeReason(err error) string {
	msg := err.Error()
	if len(msg) > maxCloseReason {
		msg = msg[:maxCloseReason]
	}
	return msg
}
