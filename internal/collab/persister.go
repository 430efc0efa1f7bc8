package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "docsync/collab"

// snapshot is the content of a session at a given version.
type snapshot struct {
	version uint64
	content []byte
}

// persister writes snapshots of one document on its own goroutine so saves
// never hold up the session. Writes are serialized and a newer snapshot
// replaces an older one that has not been written yet.
type persister struct {
	docID string
	cfg   Config
	log   *zap.Logger

	mu      sync.Mutex // protects pending
	pending *snapshot

	saveMu    sync.Mutex // held for the duration of a write
	persisted atomic.Uint64
	latest    atomic.Uint64

	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newPersister(docID string, cfg Config, log *zap.Logger) *persister {
	return &persister{
		docID: docID,
		cfg:   cfg,
		log:   log,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (p *persister) start() {
	go p.run()
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
		case <-p.quit:
			return
		}
		p.mu.Lock()
		snap := p.pending
		p.pending = nil
		p.mu.Unlock()
		if snap != nil {
			_ = p.persist(snap)
		}
	}
}

// Persisted is the highest version known to be durable.
func (p *persister) Persisted() uint64 {
	return p.persisted.Load()
}

// dispatch queues snap for an asynchronous write.
func (p *persister) dispatch(snap snapshot) {
	p.mu.Lock()
	if p.pending != nil {
		p.cfg.Metrics.SavesTotal.WithLabelValues("superseded").Inc()
	}
	p.pending = &snap
	p.latest.Store(snap.version)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// flush writes snap synchronously, after any write already in flight.
func (p *persister) flush(snap snapshot) error {
	p.mu.Lock()
	p.pending = nil
	p.latest.Store(snap.version)
	p.mu.Unlock()
	return p.persist(&snap)
}

func (p *persister) superseded(version uint64) bool {
	return p.latest.Load() > version
}

func (p *persister) persist(snap *snapshot) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	if snap.version <= p.persisted.Load() {
		return nil
	}

	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "collab.Session.save",
		trace.WithAttributes(
			attribute.String("doc_id", p.docID),
			attribute.Int64("version", int64(snap.version)),
			attribute.Int("content_bytes", len(snap.content)),
		),
	)
	defer span.End()

	backoff := p.cfg.SaveBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = p.saveOnce(ctx, snap.content)
		if err == nil {
			p.persisted.Store(snap.version)
			p.cfg.Metrics.SavesTotal.WithLabelValues("ok").Inc()
			span.SetAttributes(attribute.Int("attempts", attempt))
			p.log.Debug("saved document", zap.Uint64("version", snap.version), zap.Int("attempt", attempt))
			return nil
		}
		if attempt >= p.cfg.SaveAttempts || errors.Is(err, ErrDocumentNotFound) {
			break
		}
		if p.superseded(snap.version) {
			// a newer snapshot is queued and will be written instead
			p.cfg.Metrics.SavesTotal.WithLabelValues("superseded").Inc()
			return nil
		}
		p.cfg.Metrics.SavesTotal.WithLabelValues("retry").Inc()
		p.log.Warn("save failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-p.quit:
			t.Stop()
			span.SetStatus(codes.Error, "persister closed")
			return err
		}
		backoff *= 2
	}

	p.cfg.Metrics.SavesTotal.WithLabelValues("failed").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.log.Error("giving up on save",
		zap.Uint64("version", snap.version),
		zap.Uint64("persisted", p.persisted.Load()),
		zap.Error(err),
	)
	return err
}

func (p *persister) saveOnce(ctx context.Context, content []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SaveTimeout)
	defer cancel()
	start := time.Now()
	err := p.cfg.Store.Save(ctx, p.docID, content)
	p.cfg.Metrics.SaveDuration.Observe(time.Since(start).Seconds())
	return err
}

// close stops the worker. Queued snapshots are discarded, so callers flush first.
func (p *persister) close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	<-p.done
}
