package guard

import (
	"errors"
	"time"

	"guardwatch.ai/internal/sim/guard/kernel/ids"
)

type EventKind string

const (
	EventDutyChanged    EventKind = "DUTY_CHANGED"
	EventConverted      EventKind = "CONVERTED"
	EventMarked         EventKind = "MARKED"
	EventWantedChanged  EventKind = "WANTED_CHANGED"
	EventChaseStarted   EventKind = "CHASE_STARTED"
	EventChaseEnded     EventKind = "CHASE_ENDED"
	EventDetained       EventKind = "DETAINED"
	EventQueued         EventKind = "DETENTION_QUEUED"
	EventReleased       EventKind = "RELEASED"
	EventSearchStarted  EventKind = "SEARCH_STARTED"
	EventSearchFinished EventKind = "SEARCH_FINISHED"
	EventPenalized      EventKind = "PENALIZED"
	EventKitIssued      EventKind = "KIT_ISSUED"
)

// Event is what the engine tells adapters after a state change. Target is
// the nil id when the event concerns a single actor.
type Event struct {
	Kind    EventKind   `json:"kind"`
	Actor   ids.ActorID `json:"actor"`
	Target  ids.ActorID `json:"target"`
	At      time.Time   `json:"at"`
	Reason  string      `json:"reason,omitempty"`
	Success bool        `json:"success,omitempty"`
	OnDuty  bool        `json:"on_duty,omitempty"`
	Level   int         `json:"level,omitempty"`
	Minutes float64     `json:"minutes,omitempty"`
	Tokens  int64       `json:"tokens,omitempty"`
}

type Sink interface {
	Publish(ev Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

type AuditEntry struct {
	At      time.Time      `json:"at"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Target  string         `json:"target,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type Auditor interface {
	WriteAudit(e AuditEntry) error
}

// Auditors fans an entry out to every auditor, joining their errors.
type Auditors []Auditor

func (as Auditors) WriteAudit(e AuditEntry) error {
	var errs []error
	for _, a := range as {
		if a == nil {
			continue
		}
		if err := a.WriteAudit(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.sched.Now()
	}
	if e.sink != nil {
		e.sink.Publish(ev)
	}
}

func (e *Engine) audit(actor ids.ActorID, action string, target ids.ActorID, reason string, details map[string]any) {
	if e.auditor == nil {
		return
	}
	entry := AuditEntry{
		At:      e.sched.Now().UTC(),
		Actor:   actorString(actor),
		Action:  action,
		Target:  actorString(target),
		Reason:  reason,
		Details: details,
	}
	if err := e.auditor.WriteAudit(entry); err != nil {
		e.logf("audit %s: %v", action, err)
	}
}

func actorString(id ids.ActorID) string {
	if ids.IsNil(id) {
		return ""
	}
	return id.String()
}
