package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"guardwatch.ai/internal/protocol"
	"guardwatch.ai/internal/sim/guard"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
)

const (
	outQueue      = 64
	writeTimeout  = 5 * time.Second
	readTimeout   = 60 * time.Second
	helloTimeout  = 5 * time.Second
	controlWait   = 2 * time.Second
	maxMessageLen = 16 * 1024
)

// Server is the player-facing gateway. It is also the engine's view of the
// world: it knows who is connected and where they last reported standing.
type Server struct {
	log        *log.Logger
	helloToken string

	upgrader websocket.Upgrader

	engine atomic.Pointer[guard.Engine]

	mu       sync.RWMutex
	sessions map[ids.ActorID]*session

	dropped atomic.Int64
}

type session struct {
	id   ids.ActorID
	sid  string
	name string
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	pos    guard.Position
	hasPos bool
}

func (s *session) stop() {
	s.once.Do(func() { close(s.done) })
}

// send queues b without blocking. Events may be dropped for slow clients.
func (s *session) send(b []byte) bool {
	select {
	case <-s.done:
		return false
	case s.out <- b:
		return true
	default:
		return false
	}
}

// sendWait queues b, waiting up to d. Used for restraint messages, which
// must not be dropped.
func (s *session) sendWait(b []byte, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return false
	case s.out <- b:
		return true
	case <-t.C:
		return false
	}
}

func NewServer(logger *log.Logger, helloToken string) *Server {
	return &Server{
		log:        logger,
		helloToken: strings.TrimSpace(helloToken),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[ids.ActorID]*session{},
	}
}

// Attach binds the engine. The engine is built with this server as its
// Locator, so it can only be attached after construction.
func (s *Server) Attach(e *guard.Engine) { s.engine.Store(e) }

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Connected returns the number of live sessions.
func (s *Server) Connected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Dropped counts event messages discarded for full client queues.
func (s *Server) Dropped() int64 { return s.dropped.Load() }

// Locate implements guard.Locator. Actors that never sent a position are
// online but cannot be located.
func (s *Server) Locate(id ids.ActorID) (guard.Position, bool) {
	sess := s.get(id)
	if sess == nil {
		return guard.Position{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.pos, sess.hasPos
}

// Online implements guard.Presence.
func (s *Server) Online(id ids.ActorID) bool { return s.get(id) != nil }

// Apply implements the restraint executor by telling the client to hold the
// actor in place.
func (s *Server) Apply(target ids.ActorID, minutes float64) error {
	return s.control(target, protocol.RestraintMsg{Type: protocol.TypeRestrain, ProtocolVersion: protocol.Version, Minutes: minutes})
}

func (s *Server) Release(target ids.ActorID) error {
	return s.control(target, protocol.RestraintMsg{Type: protocol.TypeRelease, ProtocolVersion: protocol.Version})
}

func (s *Server) control(target ids.ActorID, msg protocol.RestraintMsg) error {
	sess := s.get(target)
	if sess == nil {
		return fmt.Errorf("%s: %s is not connected", msg.Type, target)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !sess.sendWait(b, controlWait) {
		return fmt.Errorf("%s: %s queue is full", msg.Type, target)
	}
	return nil
}

// Publish implements guard.Sink: the event goes to its actor and target.
func (s *Server) Publish(ev guard.Event) {
	b, err := json.Marshal(protocol.EventMsg{Type: protocol.TypeEvent, ProtocolVersion: protocol.Version, Event: ev})
	if err != nil {
		return
	}
	for _, id := range []ids.ActorID{ev.Actor, ev.Target} {
		if ids.IsNil(id) {
			continue
		}
		if sess := s.get(id); sess != nil && !sess.send(b) {
			s.dropped.Add(1)
		}
		if ev.Actor == ev.Target {
			break
		}
	}
}

func (s *Server) get(id ids.ActorID) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// register installs sess, evicting any older session for the same actor.
func (s *Server) register(sess *session) {
	s.mu.Lock()
	old := s.sessions[sess.id]
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	if old != nil {
		old.stop()
		_ = old.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced by a newer session"), time.Now().Add(time.Second))
		_ = old.conn.Close()
	}
}

// unregister removes sess if it is still current. It reports whether the
// actor actually went offline.
func (s *Server) unregister(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.id] != sess {
		return false
	}
	delete(s.sessions, sess.id)
	return true
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		eng := s.engine.Load()
		if eng == nil {
			http.Error(rw, "engine not ready", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxMessageLen)

		sess := s.handshake(conn)
		if sess == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s.register(sess)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-sess.done:
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		welcome := protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			ActorID:         sess.id.String(),
			SessionID:       sess.sid,
		}
		if st, err := json.Marshal(eng.Status(sess.id)); err == nil {
			welcome.Status = st
		}
		if b, err := json.Marshal(welcome); err == nil {
			sess.sendWait(b, controlWait)
		}
		if _, err := eng.OnConnect(sess.id); err != nil {
			s.logf("connect %s: %v", sess.id, err)
		}
		s.logf("connected actor=%s name=%q session=%s", sess.id, sess.name, sess.sid)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handle(eng, sess, msg)
		}

		// Cleanup.
		cancel()
		sess.stop()
		if s.unregister(sess) {
			eng.OnDisconnect(sess.id)
			s.logf("disconnected actor=%s session=%s", sess.id, sess.sid)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.ValidateInbound(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	if s.helloToken != "" && hello.Token != s.helloToken {
		closeWith(conn, websocket.ClosePolicyViolation, protocol.ErrUnauthorized)
		return nil
	}
	id, err := ids.Parse(hello.ActorID)
	if err != nil || ids.IsNil(id) {
		closeWith(conn, websocket.ClosePolicyViolation, "bad actor_id")
		return nil
	}

	sess := &session{
		id:   id,
		sid:  uuid.NewString(),
		name: hello.Name,
		conn: conn,
		out:  make(chan []byte, outQueue),
		done: make(chan struct{}),
	}
	if hello.World != "" {
		// Known world, unknown coordinates until the first POS.
		sess.pos.World = hello.World
	}
	return sess
}

func (s *Server) handle(eng *guard.Engine, sess *session, msg []byte) {
	base, err := protocol.ValidateInbound(msg)
	if err != nil {
		if base.Type == protocol.TypeCmd {
			var cmd protocol.CmdMsg
			_ = json.Unmarshal(msg, &cmd)
			s.ack(sess, cmd.ReqID, nil, protocol.ErrProtoBadRequest, err.Error())
		}
		return
	}
	if base.ProtocolVersion != protocol.Version {
		return
	}
	switch base.Type {
	case protocol.TypePos:
		var pos protocol.PosMsg
		if err := json.Unmarshal(msg, &pos); err != nil {
			return
		}
		s.move(eng, sess, pos)
	case protocol.TypeCmd:
		var cmd protocol.CmdMsg
		if err := json.Unmarshal(msg, &cmd); err != nil {
			return
		}
		res, err := dispatch(eng, sess.id, cmd)
		if err != nil {
			s.ack(sess, cmd.ReqID, nil, protocol.CodeFor(err), err.Error())
			return
		}
		s.ack(sess, cmd.ReqID, res, "", "")
	}
}

func (s *Server) move(eng *guard.Engine, sess *session, pos protocol.PosMsg) {
	sess.mu.Lock()
	sess.pos = guard.Position{World: pos.World, X: pos.X, Y: pos.Y, Z: pos.Z}
	sess.hasPos = true
	sess.mu.Unlock()

	if pos.Dead {
		killer := ids.Nil
		if pos.Killer != "" {
			if k, err := ids.Parse(pos.Killer); err == nil {
				killer = k
			}
		}
		eng.OnDeath(sess.id, killer)
	}
}

func (s *Server) ack(sess *session, reqID string, result any, code, message string) {
	b, err := json.Marshal(protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Accepted:        code == "",
		Code:            code,
		Message:         message,
		Result:          result,
	})
	if err != nil {
		return
	}
	sess.sendWait(b, controlWait)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
