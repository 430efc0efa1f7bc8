package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"docsync/internal/collab"
	"docsync/internal/document/model"
	"docsync/internal/document/repository"
	"docsync/internal/document/service"
	"docsync/middleware"
)

type fixture struct {
	h        *DocumentHandler
	repo     *repository.DocumentRepository
	registry *collab.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	repo := repository.NewDocumentRepository(db, repository.DialectSQLite)
	require.NoError(t, repo.Migrate(context.Background()))

	registry := collab.NewRegistry(collab.Config{Store: repo, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, registry.Shutdown(ctx))
		db.Close()
	})

	return &fixture{
		h:        NewDocumentHandler(service.NewDocumentService(repo, registry)),
		repo:     repo,
		registry: registry,
	}
}

func call(h http.HandlerFunc, method, target, body string, who collab.Identity) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req = req.WithContext(middleware.WithIdentity(req.Context(), who))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

var (
	owner    = collab.Identity{UserID: "u1", Email: "owner@example.com"}
	guest    = collab.Identity{UserID: "u2", Email: "guest@example.com"}
	stranger = collab.Identity{UserID: "u3"}
)

func (f *fixture) create(t *testing.T, body string) string {
	t.Helper()
	rec := call(f.h.CreateDocument, http.MethodPost, "/api/documents/create", body, owner)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp model.CreateDocResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.DocID)
	return resp.DocID
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)
	docID := f.create(t, "")

	rec := call(f.h.GetDocument, http.MethodGet, "/api/documents/get?docId="+docID, "", owner)
	require.Equal(t, http.StatusOK, rec.Code)
	var d model.DocumentDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.Equal(t, "Untitled Document", d.Title)
	assert.Equal(t, "owner", d.Access)
	assert.Equal(t, "u1", d.OwnerID)

	doc, err := f.repo.Load(context.Background(), docID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ops":[]}`, string(doc.Content))

	rec = call(f.h.GetDocument, http.MethodGet, "/api/documents/get?docId="+docID, "", stranger)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(f.h.GetDocument, http.MethodGet, "/api/documents/get?docId=nope", "", owner)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(f.h.CreateDocument, http.MethodGet, "/api/documents/create", "", owner)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestShareAndList(t *testing.T) {
	f := newFixture(t)
	docID := f.create(t, `{"title":"Plan"}`)
	require.NoError(t, f.repo.Save(context.Background(), docID, []byte(`{"ops":[{"insert":"Step one\nStep two\n"}]}`)))

	rec := call(f.h.GetDocuments, http.MethodGet, "/api/documents", "", guest)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	// only the owner may share
	rec = call(f.h.ShareDocument, http.MethodPost, "/api/documents/share", `{"document_id":"`+docID+`","email":"guest@example.com"}`, guest)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = call(f.h.ShareDocument, http.MethodPost, "/api/documents/share", `{"document_id":"`+docID+`","email":"not-an-email"}`, owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = call(f.h.ShareDocument, http.MethodPost, "/api/documents/share", `{"document_id":"`+docID+`","email":"guest@example.com"}`, owner)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(f.h.GetDocuments, http.MethodGet, "/api/documents", "", guest)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []model.DocumentMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "Plan", docs[0].Title)
	assert.Equal(t, "Step one Step two", docs[0].Snippet)
	assert.False(t, docs[0].IsOwner)

	rec = call(f.h.GetDocument, http.MethodGet, "/api/documents/get?docId="+docID, "", guest)
	require.Equal(t, http.StatusOK, rec.Code)
	var d model.DocumentDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.Equal(t, "shared", d.Access)
	assert.Empty(t, d.SharedWith)
}

func TestLinkAccess(t *testing.T) {
	f := newFixture(t)
	docID := f.create(t, "")

	rec := call(f.h.SetLinkAccess, http.MethodPost, "/api/documents/link-access", `{"document_id":"`+docID+`"}`, owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(f.h.SetLinkAccess, http.MethodPost, "/api/documents/link-access", `{"document_id":"`+docID+`","allow":true}`, owner)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = call(f.h.GetDocument, http.MethodGet, "/api/documents/get?docId="+docID, "", stranger)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"access":"link"`)

	rec = call(f.h.SetLinkAccess, http.MethodPost, "/api/documents/link-access", `{"document_id":"`+docID+`","allow":false}`, owner)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = call(f.h.GetDocument, http.MethodGet, "/api/documents/get?docId="+docID, "", stranger)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRename(t *testing.T) {
	f := newFixture(t)
	docID := f.create(t, "")

	rec := call(f.h.UpdateDocument, http.MethodPut, "/api/documents/update?docId="+docID, `{"title":"Renamed"}`, guest)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = call(f.h.UpdateDocument, http.MethodPut, "/api/documents/update?docId="+docID, `{"title":""}`, owner)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = call(f.h.UpdateDocument, http.MethodPut, "/api/documents/update?docId=nope", `{"title":"x"}`, owner)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(f.h.UpdateDocument, http.MethodPut, "/api/documents/update?docId="+docID, `{"title":"Renamed"}`, owner)
	require.Equal(t, http.StatusNoContent, rec.Code)
	meta, err := f.repo.LoadMeta(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", meta.Name)
}

type recordingPeer struct {
	id     string
	events chan collab.Event
}

func (p *recordingPeer) ID() string { return p.id }

func (p *recordingPeer) Send(ev collab.Event) bool {
	select {
	case p.events <- ev:
		return true
	default:
		return false
	}
}

func TestDeleteEvictsLiveSession(t *testing.T) {
	f := newFixture(t)
	docID := f.create(t, "")

	peer := &recordingPeer{id: "c1", events: make(chan collab.Event, 16)}
	s, err := f.registry.Join(context.Background(), docID, collab.Member{Peer: peer, Identity: owner, Access: collab.AccessOwner})
	require.NoError(t, err)

	rec := call(f.h.DeleteDocument, http.MethodDelete, "/api/documents/delete?docId="+docID, "", guest)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(f.h.DeleteDocument, http.MethodDelete, "/api/documents/delete?docId="+docID, "", owner)
	require.Equal(t, http.StatusNoContent, rec.Code)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session survived document deletion")
	}
	_, err = f.repo.Load(context.Background(), docID)
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)

	var types []collab.EventType
	for len(peer.events) > 0 {
		types = append(types, (<-peer.events).Type)
	}
	assert.Contains(t, types, collab.EventClosed)
}
