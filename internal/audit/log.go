// Package audit records security-relevant events. Every entry names the
// actual performer; under impersonation it also names the acted-as user.
package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"branchgate.org/internal/obs"
	"branchgate.org/internal/reqctx"
)

// Entry is one audit record.
type Entry struct {
	Time       time.Time      `json:"ts"`
	Event      string         `json:"event"`
	RequestID  string         `json:"request_id,omitempty"`
	BranchID   *int64         `json:"branch_id,omitempty"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	ActingAsID *int64         `json:"acting_as_id,omitempty"`
	TokenID    *int64         `json:"token_id,omitempty"`
	Fields     map[string]any `json:"fields"`
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

var (
	sinksMu sync.RWMutex
	sinks   = []Sink{LogSink{}}
)

// Configure replaces the sinks entries fan out to and returns a func that
// restores the previous ones.
func Configure(s ...Sink) func() {
	sinksMu.Lock()
	prev := sinks
	sinks = s
	sinksMu.Unlock()
	return func() {
		sinksMu.Lock()
		sinks = prev
		sinksMu.Unlock()
	}
}

// Build assembles an entry from the request state in ctx.
func Build(ctx context.Context, event string, fields map[string]any) Entry {
	e := Entry{
		Time:   time.Now().UTC(),
		Event:  event,
		Fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	st := reqctx.From(ctx)
	if st == nil {
		return e
	}
	e.RequestID = st.RequestID()
	if id, ok := st.BranchID(); ok {
		e.BranchID = &id
	}
	if actor, ok := st.ActualPerformer(); ok {
		id := actor.ID
		e.ActorID = &id
	}
	if st.Impersonating() {
		if p, ok := st.Principal(); ok {
			id := p.ID
			e.ActingAsID = &id
		}
	}
	if tok, ok := st.Token(); ok {
		id := tok.ID
		e.TokenID = &id
	}
	return e
}

// LogEvent writes an audit entry to every sink. A failing sink does not
// stop the others; the first error is returned.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := Build(ctx, event, fields)

	sinksMu.RLock()
	current := sinks
	sinksMu.RUnlock()

	var first error
	for _, s := range current {
		if err := s.Write(ctx, e); err != nil {
			obs.Logger().Error("audit sink failed", zap.String("event", event), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// LogSink writes entries through the shared zap logger.
type LogSink struct{}

func (LogSink) Write(_ context.Context, e Entry) error {
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", e.Event),
		zap.Time("event_ts", e.Time),
		zap.Any("fields", e.Fields),
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	if e.BranchID != nil {
		fields = append(fields, zap.Int64("branch_id", *e.BranchID))
	}
	if e.ActorID != nil {
		fields = append(fields, zap.Int64("actor_id", *e.ActorID))
	}
	if e.ActingAsID != nil {
		fields = append(fields, zap.Int64("acting_as_id", *e.ActingAsID))
	}
	if e.TokenID != nil {
		fields = append(fields, zap.Int64("token_id", *e.TokenID))
	}
	obs.Logger().Info("audit", fields...)
	return nil
}
