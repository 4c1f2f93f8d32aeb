package audit

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/mbd888/estatedesk/internal/idgen"
	"github.com/mbd888/estatedesk/internal/logging"
	"github.com/mbd888/estatedesk/internal/metrics"
)

// DefaultWriteTimeout bounds a single detached append.
const DefaultWriteTimeout = 5 * time.Second

// Recorder submits audit entries without making callers wait. Every method
// is fire-and-forget: persistence errors are logged and dropped, never
// returned. One Recorder is built at startup and shared.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithWriteTimeout bounds each append. Values <= 0 are ignored.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRecorderClock overrides the timestamp source.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a new audit recorder.
func NewRecorder(store Store, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  logger,
		timeout: DefaultWriteTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordAction records that actorID performed action. It returns
// immediately; the entry is written in the background.
func (r *Recorder) RecordAction(ctx context.Context, actorID, orgID, action string, details map[string]any) {
	r.Record(ctx, Entry{
		ActorID:        actorID,
		OrganizationID: orgID,
		Action:         action,
		Details:        details,
	})
}

// Record submits a fully described entry. ID and Timestamp are assigned
// here when empty.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.PrefixAudit)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	// The caller may keep mutating its map after we return.
	e.Details = maps.Clone(e.Details)

	// Keep request-scoped values (request id, principal) for logging, but
	// not the request's cancellation.
	ctx = context.WithoutCancel(ctx)

	r.wg.Add(1)
	metrics.AuditInFlight.Inc()
	go func() {
		defer r.wg.Done()
		defer metrics.AuditInFlight.Dec()
		defer func() {
			if p := recover(); p != nil {
				metrics.AuditEntriesTotal.WithLabelValues("failed").Inc()
				r.logger.Error("panic in audit write", "action", e.Action, "panic", fmt.Sprint(p))
			}
		}()
		r.write(ctx, &e)
	}()
}

func (r *Recorder) write(ctx context.Context, e *Entry) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.store.Append(ctx, e); err != nil {
		metrics.AuditEntriesTotal.WithLabelValues("failed").Inc()
		r.logger.Error("audit log write failed",
			"request_id", logging.RequestID(ctx),
			"action", e.Action,
			"actor_id", e.ActorID,
			"org_id", e.OrganizationID,
			"error", err,
		)
		return
	}
	metrics.AuditEntriesTotal.WithLabelValues("ok").Inc()
}

// Wait blocks until every submitted entry has been written or dropped.
// Used on shutdown and in tests.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// WaitContext is Wait bounded by ctx.
func (r *Recorder) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
