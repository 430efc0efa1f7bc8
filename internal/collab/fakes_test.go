package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsync/pkg/delta"
)

type saveCall struct {
	docID   string
	content string
	at      time.Time
}

// memStore is an in-memory Store that records saves and can inject failures.
type memStore struct {
	mu         sync.Mutex
	docs       map[string]*Document
	saves      []saveCall
	failNext   int
	failAlways bool
	loadDelay  time.Duration
	loads      atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*Document)}
}

func (m *memStore) put(id, ownerID, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = &Document{ID: id, Content: []byte(content), Meta: Meta{OwnerID: ownerID}}
}

func (m *memStore) Load(ctx context.Context, docID string) (*Document, error) {
	m.loads.Add(1)
	if m.loadDelay > 0 {
		time.Sleep(m.loadDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	cp := *d
	cp.Content = append([]byte(nil), d.Content...)
	return &cp, nil
}

func (m *memStore) Save(ctx context.Context, docID string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAlways || m.failNext > 0 {
		if m.failNext > 0 {
			m.failNext--
		}
		return fmt.Errorf("%w: injected", ErrStorageUnavailable)
	}
	d, ok := m.docs[docID]
	if !ok {
		return ErrDocumentNotFound
	}
	d.Content = append([]byte(nil), content...)
	m.saves = append(m.saves, saveCall{docID: docID, content: string(content), at: time.Now()})
	return nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func (m *memStore) lastSave() saveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saves) == 0 {
		return saveCall{}
	}
	return m.saves[len(m.saves)-1]
}

func (m *memStore) content(docID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.docs[docID].Content)
}

func (m *memStore) setFailing(always bool, next int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlways = always
	m.failNext = next
}

// fakePeer records everything a session sends it.
type fakePeer struct {
	id     string
	mu     sync.Mutex
	events []Event
	full   atomic.Bool
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(ev Event) bool {
	if p.full.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *fakePeer) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func member(p *fakePeer, userID string, access Access) Member {
	return Member{Peer: p, Identity: Identity{UserID: userID}, Access: access}
}

func newTestRegistry(t *testing.T, store Store, tune func(*Config)) *Registry {
	t.Helper()
	cfg := Config{
		Store:        store,
		SaveDebounce: 50 * time.Millisecond,
		MaxStaleness: time.Second,
		SaveBackoff:  5 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	}
	if tune != nil {
		tune(&cfg)
	}
	r := NewRegistry(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, r.Shutdown(ctx))
	})
	return r
}

// replay applies received deltas to a starting document the way a client would.
func replay(t *testing.T, start string, events []Event) string {
	t.Helper()
	doc, err := delta.Parse([]byte(start))
	require.NoError(t, err)
	for _, ev := range events {
		ch, err := delta.Parse(ev.Payload)
		require.NoError(t, err)
		doc, err = delta.ApplyTo(doc, ch)
		require.NoError(t, err)
	}
	out, err := doc.Marshal()
	require.NoError(t, err)
	return string(out)
}
