package api

import (
	"context"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"

	"lending-api/session"
)

const maxFrameSize = 64 * 1024

// wsConn adapts a websocket connection to session.Conn. Writes from the
// delivery loop and from command replies are serialized.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (w *wsConn) Send(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeTimeout > 0 {
		if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return err
		}
	}
	return websocket.Message.Send(w.ws, string(frame))
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.ws.Close()
}

func websocketHandler(deps Dependencies) echo.HandlerFunc {
	timeout := deps.WSWriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(c echo.Context) error {
		user := userFrom(c)
		// No Handshake func: origins are not checked, matching the CORS policy.
		srv := websocket.Server{Handler: func(ws *websocket.Conn) {
			ws.MaxPayloadBytes = maxFrameSize
			serveSession(context.WithoutCancel(c.Request().Context()), deps, user, &wsConn{ws: ws, writeTimeout: timeout})
		}}
		srv.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// serveSession runs one push session until the client goes away or the
// session is closed by the registry.
func serveSession(ctx context.Context, deps Dependencies, user string, conn *wsConn) {
	logger := deps.Logger
	s, err := deps.Sessions.Register("", user, conn)
	if err != nil {
		logger.WithError(err).Error("register session")
		_ = conn.Close()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.Send(session.Message{Op: session.OpWelcome, SessionID: s.ID()}); err != nil {
		deps.Sessions.Unregister(s.ID(), session.ReasonDisconnect)
		return
	}

	go func() {
		if err := deps.Fanout.Serve(ctx, s); err != nil && ctx.Err() == nil {
			logger.WithFields(log.Fields{"session": s.ID(), "error": err.Error()}).Debug("session delivery stopped")
		}
	}()

	for {
		var frame string
		if err := websocket.Message.Receive(conn.ws, &frame); err != nil {
			deps.Sessions.Unregister(s.ID(), session.ReasonDisconnect)
			return
		}
		deps.Sessions.Touch(s.ID())
		reply, ok := handleFrame(ctx, deps, s, []byte(frame))
		if !ok {
			continue
		}
		if err := s.Send(reply); err != nil {
			deps.Sessions.Unregister(s.ID(), session.ReasonDisconnect)
			return
		}
	}
}

// handleFrame executes one client command. ok is false when no reply is due.
func handleFrame(ctx context.Context, deps Dependencies, s *session.Session, frame []byte) (reply session.Message, ok bool) {
	m, err := session.Decode(frame)
	if err != nil {
		return errorMessage(err, ""), true
	}
	switch m.Op {
	case session.OpPong:
		return session.Message{}, false
	case session.OpPing:
		return session.Message{Op: session.OpPong}, true
	case session.OpSubscribe:
		if err := deps.Sessions.Subscribe(s.ID(), *m.Selector); err != nil {
			return errorMessage(err, ""), true
		}
		return session.Message{Op: session.OpSubscribed, Selector: m.Selector}, true
	case session.OpUnsubscribe:
		if _, err := deps.Sessions.Unsubscribe(s.ID(), *m.Selector); err != nil {
			return errorMessage(err, ""), true
		}
		return session.Message{Op: session.OpUnsubscribed, Selector: m.Selector}, true
	case session.OpGet:
		e, err := deps.State.Read(ctx, m.EntityID)
		if err != nil {
			return errorMessage(err, m.EntityID), true
		}
		return session.EntityMessage(session.OpEntity, e), true
	case session.OpPut:
		e, err := deps.State.Update(ctx, m.EntityID, m.Class, m.Payload, m.Version)
		if err != nil {
			return errorMessage(err, m.EntityID), true
		}
		return session.EntityMessage(session.OpCommitted, e), true
	}
	return errorMessage(nil, ""), true
}

func errorMessage(err error, entityID string) session.Message {
	if err == nil {
		return session.Message{Op: session.OpError, Error: "unsupported op", Code: "invalid"}
	}
	code := codeFor(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	return session.Message{Op: session.OpError, EntityID: entityID, Error: msg, Code: code}
}
