package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// entry is a registry slot. The goroutine that installs it loads the document;
// everyone else waits on ready.
type entry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// Registry maps document IDs to their live session. It is the only place
// sessions are created, so there is at most one per document.
type Registry struct {
	cfg      Config
	log      *zap.Logger
	sessions *xsync.MapOf[string, *entry]
	closed   atomic.Bool
}

// NewRegistry creates a registry. cfg.Store is required.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: xsync.NewMapOf[string, *entry](),
	}
}

// GetOrCreate returns the session for docID, loading the document and starting
// a session if there is none. Concurrent first calls share one load.
func (r *Registry) GetOrCreate(ctx context.Context, docID string) (*Session, error) {
	if r.closed.Load() {
		return nil, ErrSessionClosed
	}
	e, loaded := r.sessions.LoadOrCompute(docID, func() *entry {
		return &entry{ready: make(chan struct{})}
	})
	if !loaded {
		r.create(ctx, docID, e)
	}
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.session, nil
}

func (r *Registry) create(ctx context.Context, docID string, e *entry) {
	defer close(e.ready)

	// the load is shared with everyone waiting on e, so it must not die with
	// the caller that happened to start it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SaveTimeout)
	defer cancel()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "collab.Registry.load",
		trace.WithAttributes(attribute.String("doc_id", docID)),
	)
	defer span.End()

	doc, err := r.cfg.Store.Load(ctx, docID)
	if err == nil && len(doc.Content) > 0 {
		if verr := r.cfg.Codec.Validate(doc.Content); verr != nil {
			err = fmt.Errorf("%w: %s: %v", ErrCorruptDocument, docID, verr)
		}
	}
	if err != nil {
		e.err = err
		r.sessions.Compute(docID, func(old *entry, loaded bool) (*entry, bool) {
			return old, !loaded || old == e
		})
		r.cfg.Metrics.SessionLoadFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn("failed to load document", zap.String("doc_id", docID), zap.Error(err))
		return
	}

	s := newSession(docID, doc.Content, r.cfg, r.release)
	e.session = s
	s.start()
	r.cfg.Metrics.ActiveSessions.Inc()
	r.log.Info("session created", zap.String("doc_id", docID), zap.Int("sessions", r.sessions.Size()))
}

// Join adds m to the session for docID, creating the session if needed. A
// session that tears down between lookup and join is replaced by a fresh one.
func (r *Registry) Join(ctx context.Context, docID string, m Member) (*Session, error) {
	for {
		s, err := r.GetOrCreate(ctx, docID)
		if err != nil {
			return nil, err
		}
		err = s.Join(ctx, m)
		if errors.Is(err, ErrSessionClosed) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// release drops s from the registry if it is still the registered session for
// its document and still has no members.
func (r *Registry) release(s *Session) bool {
	removed := false
	r.sessions.Compute(s.docID, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return old, true
		}
		if old.session == s && s.Len() == 0 {
			removed = true
			return old, true
		}
		return old, false
	})
	return removed
}

// Lookup returns the live session for docID, if any.
func (r *Registry) Lookup(docID string) (*Session, bool) {
	e, ok := r.sessions.Load(docID)
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Len returns the number of registered sessions, including ones still loading.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Evict disconnects everyone editing docID and drops its session without
// saving. Used when the document is deleted.
func (r *Registry) Evict(ctx context.Context, docID string) error {
	s, ok := r.Lookup(docID)
	if !ok {
		return nil
	}
	return s.Close(ctx, false)
}

// Shutdown refuses new sessions, waits for loads in progress, then closes
// every live session, flushing unsaved content. It returns the first save
// error, or ctx's error if the deadline passes first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closed.Store(true)

	var entries []*entry
	r.sessions.Range(func(docID string, e *entry) bool {
		entries = append(entries, e)
		return true
	})
	var sessions []*Session
	for _, e := range entries {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(ctx, true); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("registry shut down", zap.Int("sessions", len(sessions)))
	return firstErr
}
