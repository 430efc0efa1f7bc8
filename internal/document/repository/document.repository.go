package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"docsync/internal/collab"
	"docsync/internal/document/model"
	"docsync/pkg/logger"
)

// Dialects understood by the repository. Queries are written with Postgres
// placeholders and rebound for SQLite.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		allow_link_access BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS documents_owner_idx ON documents (owner_id)`,
	`CREATE TABLE IF NOT EXISTS document_shares (
		document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		grantee TEXT NOT NULL,
		PRIMARY KEY (document_id, grantee)
	)`,
	`CREATE INDEX IF NOT EXISTS document_shares_grantee_idx ON document_shares (grantee)`,
}

// DocumentRepository persists documents and their sharing settings. It is the
// collab.Store used by live sessions.
type DocumentRepository struct {
	DB      *sql.DB
	dialect string
}

var _ collab.Store = (*DocumentRepository)(nil)

func NewDocumentRepository(db *sql.DB, dialect string) *DocumentRepository {
	if dialect == "" {
		dialect = DialectPostgres
	}
	return &DocumentRepository{DB: db, dialect: dialect}
}

func (r *DocumentRepository) q(query string) string {
	if r.dialect == DialectSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", collab.ErrStorageUnavailable, err)
}

func notFound(docID string) error {
	return fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, docID)
}

// Migrate creates the tables if they do not exist.
func (r *DocumentRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			logger.Sugar.Errorf("Failed to apply schema: %v", err)
			return unavailable(err)
		}
	}
	return nil
}

func (r *DocumentRepository) Create(ctx context.Context, id, content, ownerID, title string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO documents (id, content, updated_at, owner_id, title) VALUES ($1, $2, CURRENT_TIMESTAMP, $3, $4)`),
		id, content, ownerID, title)
	if err != nil {
		logger.Sugar.Errorf("Failed to create document: %v", err)
		return unavailable(err)
	}
	return nil
}

// Load returns the document's content and metadata.
func (r *DocumentRepository) Load(ctx context.Context, docID string) (*collab.Document, error) {
	doc := &collab.Document{ID: docID}
	var content string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT owner_id, title, content, allow_link_access FROM documents WHERE id = $1`), docID).
		Scan(&doc.OwnerID, &doc.Name, &content, &doc.AllowLinkAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(docID)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load doc %s: %v", docID, err)
		return nil, unavailable(err)
	}
	doc.Content = []byte(content)
	if doc.SharedWith, err = r.shares(ctx, docID); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadMeta returns ownership and sharing without the content. Access is
// decided from this on every join so revocations apply to the next join.
func (r *DocumentRepository) LoadMeta(ctx context.Context, docID string) (collab.Meta, error) {
	var meta collab.Meta
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT owner_id, title, allow_link_access FROM documents WHERE id = $1`), docID).
		Scan(&meta.OwnerID, &meta.Name, &meta.AllowLinkAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, notFound(docID)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load meta for doc %s: %v", docID, err)
		return meta, unavailable(err)
	}
	meta.SharedWith, err = r.shares(ctx, docID)
	return meta, err
}

func (r *DocumentRepository) shares(ctx context.Context, docID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT grantee FROM document_shares WHERE document_id = $1 ORDER BY grantee`), docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get shares for doc %s: %v", docID, err)
		return nil, unavailable(err)
	}
	defer rows.Close()

	var grantees []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, unavailable(err)
		}
		grantees = append(grantees, g)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return grantees, nil
}

// Save overwrites the content. A document deleted in the meantime yields
// collab.ErrDocumentNotFound.
func (r *DocumentRepository) Save(ctx context.Context, docID string, content []byte) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE documents SET content = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`), string(content), docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update content for doc %s: %v", docID, err)
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return notFound(docID)
	}
	return nil
}

func (r *DocumentRepository) GetDetail(ctx context.Context, docID string) (*model.DocumentDetail, error) {
	d := &model.DocumentDetail{ID: docID}
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT owner_id, title, updated_at, allow_link_access FROM documents WHERE id = $1`), docID).
		Scan(&d.OwnerID, &d.Title, &d.UpdatedAt, &d.AllowLinkAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(docID)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get doc %s: %v", docID, err)
		return nil, unavailable(err)
	}
	if d.SharedWith, err = r.shares(ctx, docID); err != nil {
		return nil, err
	}
	if d.SharedWith == nil {
		d.SharedWith = []string{}
	}
	return d, nil
}

// ListForUser returns documents the user owns or that are shared with the
// user's ID or email, most recently updated first.
func (r *DocumentRepository) ListForUser(ctx context.Context, userID, email string) ([]model.DocumentMetadata, error) {
	query := `
		SELECT id, title, updated_at, content, owner_id FROM documents WHERE owner_id = $1
		UNION
		SELECT d.id, d.title, d.updated_at, d.content, d.owner_id FROM documents d JOIN document_shares s ON d.id = s.document_id WHERE s.grantee = $1 OR s.grantee = $2
		ORDER BY updated_at DESC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), userID, email)
	if err != nil {
		logger.Sugar.Errorf("Failed to get documents for user %s: %v", userID, err)
		return nil, unavailable(err)
	}
	defer rows.Close()

	docs := []model.DocumentMetadata{}
	for rows.Next() {
		var doc model.DocumentMetadata
		var ownerID string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.UpdatedAt, &doc.Content, &ownerID); err != nil {
			return nil, unavailable(err)
		}
		doc.IsOwner = ownerID == userID
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return docs, nil
}

func (r *DocumentRepository) GetOwnerID(ctx context.Context, docID string) (string, error) {
	var ownerID string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT owner_id FROM documents WHERE id = $1`), docID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound(docID)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get owner ID for doc %s: %v", docID, err)
		return "", unavailable(err)
	}
	return ownerID, nil
}

// UpdateTitle renames a document owned by ownerID and reports whether a row matched.
func (r *DocumentRepository) UpdateTitle(ctx context.Context, docID, title, ownerID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE documents SET title = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND owner_id = $3`), title, docID, ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update title for doc %s: %v", docID, err)
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// AddShare grants grantee (a user ID or email) shared access. Granting twice is a no-op.
func (r *DocumentRepository) AddShare(ctx context.Context, docID, grantee string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO document_shares (document_id, grantee) VALUES ($1, $2) ON CONFLICT (document_id, grantee) DO NOTHING`), docID, grantee)
	if err != nil {
		logger.Sugar.Errorf("Failed to share doc %s with %s: %v", docID, grantee, err)
		return unavailable(err)
	}
	return nil
}

func (r *DocumentRepository) SetLinkAccess(ctx context.Context, docID string, allow bool) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE documents SET allow_link_access = $1 WHERE id = $2`), allow, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to set link access for doc %s: %v", docID, err)
		return unavailable(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(docID)
	}
	return nil
}

// Delete removes the document and its shares.
func (r *DocumentRepository) Delete(ctx context.Context, docID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	// SQLite leaves foreign keys unenforced unless asked, so shares go first
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM document_shares WHERE document_id = $1`), docID); err != nil {
		logger.Sugar.Errorf("Failed to delete shares of doc %s: %v", docID, err)
		return unavailable(err)
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM documents WHERE id = $1`), docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete doc %s: %v", docID, err)
		return unavailable(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(docID)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}
