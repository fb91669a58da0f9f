package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"guardwatch.ai/internal/protocol"
	"guardwatch.ai/internal/sim/guard"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/tuning"
)

func newTestServer(t *testing.T, token string) (*Server, *guard.Engine, string) {
	t.Helper()
	srv := NewServer(nil, token)
	tune := tuning.Defaults()
	tune.Duty.Areas = []tuning.Area{{ID: "station", World: "overworld", Radius: 10}}
	eng, err := guard.New(guard.Config{
		Tuning:    tune,
		Locator:   srv,
		Presence:  srv,
		Restraint: srv,
		Sink:      srv,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(eng.Close)
	srv.Attach(eng)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, eng, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string, hello protocol.HelloMsg) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	hello.Type = protocol.TypeHello
	hello.ProtocolVersion = protocol.Version
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	return conn
}

type frame struct {
	Type     string          `json:"type"`
	AckFor   string          `json:"ack_for"`
	Accepted bool            `json:"accepted"`
	Code     string          `json:"code"`
	Minutes  float64         `json:"minutes"`
	ActorID  string          `json:"actor_id"`
	Result   json.RawMessage `json:"result"`
	Event    guard.Event     `json:"event"`
}

// readUntil reads frames until match returns true, failing after a deadline.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func isType(typ string) func(frame) bool {
	return func(f frame) bool { return f.Type == typ }
}

func ackFor(reqID string) func(frame) bool {
	return func(f frame) bool { return f.Type == protocol.TypeAck && f.AckFor == reqID }
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func pos(x float64) protocol.PosMsg {
	return protocol.PosMsg{Type: protocol.TypePos, ProtocolVersion: protocol.Version, World: "overworld", X: x, Y: 0}
}

func cmd(reqID, op, target string) protocol.CmdMsg {
	return protocol.CmdMsg{Type: protocol.TypeCmd, ProtocolVersion: protocol.Version, ReqID: reqID, Op: op, Target: target}
}

func TestGateway_CaptureFlow(t *testing.T) {
	srv, eng, url := newTestServer(t, "")
	g, x := ids.New(), ids.New()

	gc := dial(t, url, protocol.HelloMsg{ActorID: g.String(), Name: "warden"})
	if f := readUntil(t, gc, isType(protocol.TypeWelcome)); f.ActorID != g.String() {
		t.Fatalf("welcome actor=%q", f.ActorID)
	}
	xc := dial(t, url, protocol.HelloMsg{ActorID: x.String(), Name: "rook"})
	readUntil(t, xc, isType(protocol.TypeWelcome))

	send(t, gc, pos(0))
	send(t, xc, pos(1))
	send(t, xc, cmd("sync", protocol.OpStatus, ""))
	readUntil(t, xc, ackFor("sync"))

	send(t, gc, cmd("duty", protocol.OpToggleDuty, ""))
	if f := readUntil(t, gc, ackFor("duty")); !f.Accepted {
		t.Fatalf("toggle rejected: %+v", f)
	}
	if srv.Connected() != 2 || !eng.IsOnDuty(g) {
		t.Fatalf("connected=%d onDuty=%v", srv.Connected(), eng.IsOnDuty(g))
	}

	if err := eng.SetWanted(ids.Nil, x, 3); err != nil {
		t.Fatalf("set wanted: %v", err)
	}
	send(t, gc, cmd("cap", protocol.OpCapture, x.String()))
	f := readUntil(t, gc, ackFor("cap"))
	if !f.Accepted {
		t.Fatalf("capture rejected: %+v", f)
	}
	var res struct {
		Level   int     `json:"level"`
		Minutes float64 `json:"minutes"`
		Tokens  int64   `json:"tokens"`
	}
	if err := json.Unmarshal(f.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Level != 3 || res.Minutes != 12.5 || res.Tokens != 20 {
		t.Fatalf("capture result=%+v", res)
	}
	if r := readUntil(t, xc, isType(protocol.TypeRestrain)); r.Minutes != 12.5 {
		t.Fatalf("restrain minutes=%v", r.Minutes)
	}
	if !eng.IsJailed(x) {
		t.Fatalf("expected detention")
	}

	send(t, gc, cmd("again", protocol.OpCapture, x.String()))
	if f := readUntil(t, gc, ackFor("again")); f.Accepted || f.Code != protocol.ErrPrecondition {
		t.Fatalf("second capture: %+v", f)
	}
}

func TestGateway_RejectsInvalidCommands(t *testing.T) {
	_, _, url := newTestServer(t, "")
	g := ids.New()
	gc := dial(t, url, protocol.HelloMsg{ActorID: g.String()})
	readUntil(t, gc, isType(protocol.TypeWelcome))

	send(t, gc, cmd("no-target", protocol.OpCapture, ""))
	if f := readUntil(t, gc, ackFor("no-target")); f.Accepted || f.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("missing target: %+v", f)
	}
	send(t, gc, cmd("bad-target", protocol.OpMark, "nobody"))
	if f := readUntil(t, gc, ackFor("bad-target")); f.Code != protocol.ErrBadRequest {
		t.Fatalf("bad target: %+v", f)
	}
	send(t, gc, cmd("off-duty", protocol.OpChase, ids.New().String()))
	if f := readUntil(t, gc, ackFor("off-duty")); f.Code != protocol.ErrNoPermission {
		t.Fatalf("off duty chase: %+v", f)
	}
	send(t, gc, cmd("jail", protocol.OpJail, ids.New().String()))
	if f := readUntil(t, gc, ackFor("jail")); f.Code != protocol.ErrNoPermission {
		t.Fatalf("off duty jail: %+v", f)
	}
}

func TestGateway_HelloToken(t *testing.T) {
	_, _, url := newTestServer(t, "s3cret")
	conn := dial(t, url, protocol.HelloMsg{ActorID: ids.New().String(), Token: "wrong"})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}

	ok := dial(t, url, protocol.HelloMsg{ActorID: ids.New().String(), Token: "s3cret"})
	readUntil(t, ok, isType(protocol.TypeWelcome))
}

func TestGateway_OfflineQueueAppliesOnConnect(t *testing.T) {
	srv, eng, url := newTestServer(t, "")
	x := ids.New()

	res, err := eng.ManualJail(ids.Nil, x, 5, "arson")
	if err != nil || res.Queued == nil {
		t.Fatalf("queue: %+v %v", res, err)
	}
	xc := dial(t, url, protocol.HelloMsg{ActorID: x.String()})
	readUntil(t, xc, isType(protocol.TypeWelcome))
	if r := readUntil(t, xc, isType(protocol.TypeRestrain)); r.Minutes != 5 {
		t.Fatalf("restrain minutes=%v", r.Minutes)
	}
	if !eng.IsJailed(x) {
		t.Fatalf("expected detention after connect")
	}

	_ = xc.Close()
	deadline := time.Now().Add(3 * time.Second)
	for srv.Online(x) {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !eng.IsJailed(x) {
		t.Fatalf("detention must survive disconnect")
	}
}

func TestGateway_NewSessionReplacesOld(t *testing.T) {
	srv, _, url := newTestServer(t, "")
	x := ids.New()

	first := dial(t, url, protocol.HelloMsg{ActorID: x.String()})
	readUntil(t, first, isType(protocol.TypeWelcome))
	second := dial(t, url, protocol.HelloMsg{ActorID: x.String()})
	readUntil(t, second, isType(protocol.TypeWelcome))

	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	if !srv.Online(x) || srv.Connected() != 1 {
		t.Fatalf("replacement session should stay online (connected=%d)", srv.Connected())
	}
}
