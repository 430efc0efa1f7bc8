package collab

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var emptyContent = []byte(`{"ops":[]}`)

// State is the lifecycle stage of a session.
type State int32

const (
	StateActive   State = iota // at least one member, or waiting for the first join
	StateDraining              // no members, final flush done or in progress
	StateClosed                // removed from the registry
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type joinRequest struct {
	member Member
	reply  chan error
}

type submitRequest struct {
	connID string
	change []byte
	seq    int64
	reply  chan error
}

type leaveRequest struct {
	connID string
	reply  chan error
}

type closeRequest struct {
	flush bool
	reply chan error
}

// Session owns the live state of one document. All state is confined to the
// goroutine started by start; the exported methods are requests to it, so
// joins, submits and leaves for a document are applied one at a time in
// arrival order.
type Session struct {
	docID     string
	cfg       Config
	log       *zap.Logger
	release   func(*Session) bool
	persister *persister

	joinCh     chan joinRequest
	submitCh   chan submitRequest
	leaveCh    chan leaveRequest
	closeCh    chan closeRequest
	snapshotCh chan chan []byte
	done       chan struct{}

	memberCount atomic.Int32
	state       atomic.Int32

	// owned by run
	content    []byte
	version    uint64
	members    map[string]*Member
	debounce   *time.Timer
	debounceC  <-chan time.Time
	firstDirty time.Time
	teardown   *time.Timer
	teardownC  <-chan time.Time
	// failed final saves since the last member left
	drainFailures int
}

func newSession(docID string, content []byte, cfg Config, release func(*Session) bool) *Session {
	if len(content) == 0 {
		content = emptyContent
	}
	log := cfg.Logger.With(zap.String("doc_id", docID))
	return &Session{
		docID:      docID,
		cfg:        cfg,
		log:        log,
		release:    release,
		persister:  newPersister(docID, cfg, log),
		joinCh:     make(chan joinRequest),
		submitCh:   make(chan submitRequest),
		leaveCh:    make(chan leaveRequest),
		closeCh:    make(chan closeRequest),
		snapshotCh: make(chan chan []byte),
		done:       make(chan struct{}),
		content:    content,
		members:    make(map[string]*Member),
	}
}

func (s *Session) start() {
	s.persister.start()
	// torn down unless someone joins within the grace period
	s.armTeardown(s.cfg.JoinGrace)
	go s.run()
}

// DocID returns the document this session edits.
func (s *Session) DocID() string { return s.docID }

// Len returns the current number of members.
func (s *Session) Len() int { return int(s.memberCount.Load()) }

// State returns the lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Join adds m to the session and sends it the current content.
func (s *Session) Join(ctx context.Context, m Member) error {
	req := joinRequest{member: m, reply: make(chan error, 1)}
	select {
	case s.joinCh <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

// Submit applies change on behalf of the member connected as connID and
// forwards it to every other member. seq is echoed back in an ack when positive.
func (s *Session) Submit(ctx context.Context, connID string, change []byte, seq int64) error {
	req := submitRequest{connID: connID, change: change, seq: seq, reply: make(chan error, 1)}
	select {
	case s.submitCh <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

// Leave removes the member connected as connID.
func (s *Session) Leave(ctx context.Context, connID string) error {
	req := leaveRequest{connID: connID, reply: make(chan error, 1)}
	select {
	case s.leaveCh <- req:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

// Content returns the current in-memory content.
func (s *Session) Content(ctx context.Context) ([]byte, error) {
	reply := make(chan []byte, 1)
	select {
	case s.snapshotCh <- reply:
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-reply, nil
}

// Close disconnects every member and tears the session down, saving unsaved
// content first when flush is set.
func (s *Session) Close(ctx context.Context, flush bool) error {
	req := closeRequest{flush: flush, reply: make(chan error, 1)}
	select {
	case s.closeCh <- req:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

func (s *Session) run() {
	for {
		select {
		case req := <-s.joinCh:
			req.reply <- s.handleJoin(req.member)
		case req := <-s.submitCh:
			req.reply <- s.handleSubmit(req)
		case req := <-s.leaveCh:
			req.reply <- s.handleLeave(req.connID)
		case reply := <-s.snapshotCh:
			reply <- s.content
		case req := <-s.closeCh:
			req.reply <- s.handleClose(req.flush)
		case <-s.debounceC:
			s.debounce, s.debounceC = nil, nil
			s.dispatchSave()
		case <-s.teardownC:
			s.teardown, s.teardownC = nil, nil
			if len(s.members) == 0 {
				s.drain("idle")
			}
		}
		if s.State() == StateClosed {
			return
		}
	}
}

func (s *Session) handleJoin(m Member) error {
	if m.Access == AccessDenied || m.Access == "" {
		s.cfg.Metrics.JoinsTotal.WithLabelValues(string(AccessDenied)).Inc()
		return ErrAccessDenied
	}
	id := m.Peer.ID()
	s.members[id] = &m
	s.memberCount.Store(int32(len(s.members)))
	s.cancelTeardown()
	s.drainFailures = 0
	s.state.Store(int32(StateActive))
	s.cfg.Metrics.JoinsTotal.WithLabelValues(string(m.Access)).Inc()

	s.log.Info("member joined",
		zap.String("conn_id", id),
		zap.String("user_id", m.Identity.UserID),
		zap.String("access", string(m.Access)),
		zap.Int("members", len(s.members)),
	)

	m.Peer.Send(Event{Type: EventJoined, DocID: s.docID, Access: m.Access, Payload: s.content})
	s.broadcastPresence()
	return nil
}

func (s *Session) handleSubmit(req submitRequest) error {
	sender, ok := s.members[req.connID]
	if !ok {
		s.cfg.Metrics.DeltasTotal.WithLabelValues("rejected").Inc()
		return ErrNotMember
	}

	next, err := s.cfg.Codec.Apply(s.content, req.change)
	if err != nil {
		s.cfg.Metrics.DeltasTotal.WithLabelValues("malformed").Inc()
		s.log.Warn("dropping delta",
			zap.String("conn_id", req.connID),
			zap.String("user_id", sender.Identity.UserID),
			zap.Error(err),
		)
		return err
	}
	s.content = next
	s.version++
	s.cfg.Metrics.DeltasTotal.WithLabelValues("applied").Inc()

	ev := Event{Type: EventDelta, DocID: s.docID, UserID: sender.Identity.UserID, Payload: req.change}
	for id, m := range s.members {
		if id == req.connID {
			continue
		}
		m.Peer.Send(ev)
	}
	if req.seq > 0 {
		sender.Peer.Send(Event{Type: EventAck, DocID: s.docID, Seq: req.seq})
	}

	s.scheduleSave()
	return nil
}

func (s *Session) handleLeave(connID string) error {
	m, ok := s.members[connID]
	if !ok {
		return ErrNotMember
	}
	delete(s.members, connID)
	s.memberCount.Store(int32(len(s.members)))
	s.log.Info("member left",
		zap.String("conn_id", connID),
		zap.String("user_id", m.Identity.UserID),
		zap.Int("members", len(s.members)),
	)

	if len(s.members) > 0 {
		s.broadcastPresence()
		return nil
	}

	s.state.Store(int32(StateDraining))
	if s.cfg.Linger <= 0 {
		s.drain("last member left")
		return nil
	}
	if err := s.flush(); err != nil {
		s.drainFailures++
	}
	s.armTeardown(s.cfg.Linger)
	return nil
}

// drain tears down an empty session once its content is saved. While the
// save keeps failing the session stays registered, so a rejoin picks up the
// unsaved content, and the save is retried every DrainRetry.
func (s *Session) drain(reason string) {
	err := s.flush()
	if err == nil {
		s.destroy(reason)
		return
	}
	if errors.Is(err, ErrDocumentNotFound) {
		s.log.Warn("document is gone, discarding unsaved content", zap.Uint64("version", s.version))
		s.destroy("document deleted")
		return
	}
	s.drainFailures++
	if s.drainFailures > s.cfg.DrainRetries {
		s.cfg.Metrics.SavesTotal.WithLabelValues("lost").Inc()
		s.log.Error("discarding unsaved content",
			zap.Uint64("version", s.version),
			zap.Uint64("persisted", s.persister.Persisted()),
			zap.Int("attempts", s.drainFailures),
			zap.Error(err),
		)
		s.destroy("save failed")
		return
	}
	s.log.Warn("final save failed, keeping session",
		zap.Int("attempt", s.drainFailures),
		zap.Duration("retry_in", s.cfg.DrainRetry),
	)
	s.armTeardown(s.cfg.DrainRetry)
}

func (s *Session) handleClose(flush bool) error {
	for id, m := range s.members {
		m.Peer.Send(Event{Type: EventClosed, DocID: s.docID})
		delete(s.members, id)
	}
	s.memberCount.Store(0)
	s.state.Store(int32(StateDraining))
	var err error
	if flush {
		err = s.flush()
	}
	s.destroy("closed")
	return err
}

func (s *Session) broadcastPresence() {
	entries := make([]PresenceEntry, 0, len(s.members))
	for _, m := range s.members {
		entries = append(entries, PresenceEntry{
			UserID:      m.Identity.UserID,
			DisplayName: m.Identity.DisplayName,
			Access:      m.Access,
		})
	}
	slices.SortFunc(entries, func(a, b PresenceEntry) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	payload, err := json.Marshal(entries)
	if err != nil {
		s.log.Error("marshal presence", zap.Error(err))
		return
	}
	ev := Event{Type: EventPresence, DocID: s.docID, Payload: payload}
	for _, m := range s.members {
		m.Peer.Send(ev)
	}
}

func (s *Session) dirty() bool {
	return s.version > s.persister.Persisted()
}

// scheduleSave arms or extends the trailing-edge debounce, never past
// MaxStaleness after the first unsaved edit.
func (s *Session) scheduleSave() {
	now := time.Now()
	if s.debounce == nil {
		s.firstDirty = now
		s.debounce = time.NewTimer(s.cfg.SaveDebounce)
		s.debounceC = s.debounce.C
		return
	}
	wait := min(s.cfg.SaveDebounce, s.firstDirty.Add(s.cfg.MaxStaleness).Sub(now))
	s.debounce.Reset(max(wait, 0))
}

func (s *Session) dispatchSave() {
	if !s.dirty() {
		return
	}
	s.persister.dispatch(snapshot{version: s.version, content: s.content})
}

// flush saves synchronously if there is anything unsaved.
func (s *Session) flush() error {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce, s.debounceC = nil, nil
	}
	if !s.dirty() {
		return nil
	}
	err := s.persister.flush(snapshot{version: s.version, content: s.content})
	if err != nil {
		s.log.Error("final save failed", zap.Uint64("version", s.version), zap.Error(err))
	}
	return err
}

func (s *Session) armTeardown(d time.Duration) {
	s.cancelTeardown()
	s.teardown = time.NewTimer(d)
	s.teardownC = s.teardown.C
}

func (s *Session) cancelTeardown() {
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown, s.teardownC = nil, nil
	}
}

// destroy removes the session from the registry and stops its goroutines.
// Requests still waiting on the mailbox see ErrSessionClosed.
func (s *Session) destroy(reason string) {
	s.cancelTeardown()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce, s.debounceC = nil, nil
	}
	s.state.Store(int32(StateClosed))
	if s.release != nil {
		s.release(s)
	}
	s.persister.close()
	close(s.done)
	s.cfg.Metrics.ActiveSessions.Dec()
	s.log.Info("session closed", zap.String("reason", reason), zap.Uint64("version", s.version))
}
