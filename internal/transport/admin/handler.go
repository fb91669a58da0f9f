package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"guardwatch.ai/internal/protocol"
	"guardwatch.ai/internal/sim/guard"
	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
)

// Request is the body of POST /v1/admin/{op}. Fields an op does not use
// are ignored.
type Request struct {
	Admin      string  `json:"admin,omitempty"`
	Actor      string  `json:"actor,omitempty"`
	Minutes    float64 `json:"minutes,omitempty"`
	Amount     int64   `json:"amount,omitempty"`
	Level      int     `json:"level,omitempty"`
	Rank       string  `json:"rank,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Name       string  `json:"name,omitempty"`
	Seconds    int     `json:"seconds,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

type Response struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// SnapshotFunc writes a snapshot now and returns its path.
type SnapshotFunc func(ctx context.Context) (string, error)

type Handler struct {
	engine   *guard.Engine
	token    string
	snapshot SnapshotFunc
	log      *log.Logger
}

// New returns the admin API. With an empty token only loopback callers are
// served.
func New(e *guard.Engine, token string, snap SnapshotFunc, logger *log.Logger) *Handler {
	return &Handler{engine: e, token: strings.TrimSpace(token), snapshot: snap, log: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/admin/status/{actor}", h.guarded(h.status))
	mux.HandleFunc("POST /v1/admin/{op}", h.guarded(h.op))
}

func (h *Handler) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			writeJSON(rw, http.StatusUnauthorized, Response{Code: protocol.ErrUnauthorized, Error: "unauthorized"})
			return
		}
		next(rw, r)
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return isLoopbackRemote(r.RemoteAddr)
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h *Handler) status(rw http.ResponseWriter, r *http.Request) {
	id, err := ids.Parse(r.PathValue("actor"))
	if err != nil {
		writeErr(rw, errs.E(errs.InvalidArgument, "bad actor id"))
		return
	}
	writeJSON(rw, http.StatusOK, Response{OK: true, Result: h.engine.Status(id)})
}

func (h *Handler) op(rw http.ResponseWriter, r *http.Request) {
	var req Request
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64*1024))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSON(rw, http.StatusBadRequest, Response{Code: protocol.ErrProtoBadRequest, Error: err.Error()})
			return
		}
	}
	op := r.PathValue("op")
	res, err := h.run(r.Context(), op, req)
	if err != nil {
		if h.log != nil && errs.CodeOf(err) == errs.Internal {
			h.log.Printf("admin %s: %v", op, err)
		}
		writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, Response{OK: true, Result: res})
}

func (h *Handler) run(ctx context.Context, op string, req Request) (any, error) {
	admin := ids.Nil
	if req.Admin != "" {
		id, err := ids.Parse(req.Admin)
		if err != nil {
			return nil, errs.E(errs.InvalidArgument, "bad admin id")
		}
		admin = id
	}

	switch op {
	case "set_rank_multiplier":
		return nil, h.engine.SetRankMultiplier(admin, req.Rank, req.Multiplier)
	case "flush":
		ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return nil, h.engine.FlushState(ctx2)
	case "snapshot":
		if h.snapshot == nil {
			return nil, errs.E(errs.PreconditionFailed, "snapshots disabled")
		}
		path, err := h.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"path": path}, nil
	}

	actor, err := ids.Parse(req.Actor)
	if err != nil || ids.IsNil(actor) {
		return nil, errs.E(errs.InvalidArgument, "bad actor id")
	}
	switch op {
	case "add_minutes":
		bal, err := h.engine.AddDutyMinutes(admin, actor, int(req.Amount))
		return map[string]int{"balance_minutes": bal}, err
	case "set_minutes":
		return nil, h.engine.SetDutyMinutes(admin, actor, int(req.Amount))
	case "add_tokens":
		bal, err := h.engine.AddTokens(admin, actor, req.Amount)
		return map[string]int64{"tokens": bal}, err
	case "set_tokens":
		return nil, h.engine.SetTokens(admin, actor, req.Amount)
	case "spend_tokens":
		bal, err := h.engine.SpendTokens(actor, req.Amount, req.Reason)
		return map[string]int64{"tokens": bal}, err
	case "set_wanted":
		return nil, h.engine.SetWanted(admin, actor, req.Level)
	case "clear_wanted":
		h.engine.ClearWanted(admin, actor)
		return nil, nil
	case "jail":
		res, err := h.engine.ManualJail(admin, actor, req.Minutes, req.Reason)
		if err != nil {
			return nil, err
		}
		return res, nil
	case "release":
		det, err := h.engine.Release(admin, actor)
		if err != nil {
			return nil, err
		}
		return det, nil
	case "cooldown":
		return nil, h.engine.StartCooldown(admin, actor, req.Name, time.Duration(req.Seconds)*time.Second)
	}
	return nil, errs.E(errs.NotFound, "unknown op %q", op)
}

func writeErr(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Forbidden:
		status = http.StatusForbidden
	case errs.PreconditionFailed, errs.InsufficientBalance:
		status = http.StatusConflict
	case errs.InvalidArgument:
		status = http.StatusBadRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(rw, status, Response{Code: protocol.CodeFor(err), Error: err.Error()})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
