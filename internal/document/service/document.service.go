package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"docsync/internal/collab"
	"docsync/internal/document/model"
	"docsync/internal/document/repository"
	"docsync/pkg/delta"
	"docsync/pkg/logger"
)

const (
	defaultTitle  = "Untitled Document"
	emptyContent  = `{"ops":[]}`
	snippetLength = 100
)

type DocumentService struct {
	Repo     *repository.DocumentRepository
	Registry *collab.Registry
}

func NewDocumentService(repo *repository.DocumentRepository, registry *collab.Registry) *DocumentService {
	return &DocumentService{Repo: repo, Registry: registry}
}

func (s *DocumentService) CreateDocument(ctx context.Context, userID, title string) (string, error) {
	docID := uuid.NewString()
	if strings.TrimSpace(title) == "" {
		title = defaultTitle
	}
	if err := s.Repo.Create(ctx, docID, emptyContent, userID, title); err != nil {
		return "", err
	}
	return docID, nil
}

// GetDocuments lists what who owns or has been shared.
func (s *DocumentService) GetDocuments(ctx context.Context, who collab.Identity) ([]model.DocumentMetadata, error) {
	docs, err := s.Repo.ListForUser(ctx, who.UserID, who.Email)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].Snippet = getSnippetFromContent(docs[i].Content)
	}
	return docs, nil
}

// GetDocument returns a document's metadata if who may open it.
func (s *DocumentService) GetDocument(ctx context.Context, who collab.Identity, docID string) (*model.DocumentDetail, error) {
	d, err := s.Repo.GetDetail(ctx, docID)
	if err != nil {
		return nil, err
	}
	access := collab.Decide(collab.Meta{
		OwnerID:         d.OwnerID,
		AllowLinkAccess: d.AllowLinkAccess,
		SharedWith:      d.SharedWith,
	}, who)
	if access == collab.AccessDenied {
		return nil, collab.ErrAccessDenied
	}
	d.Access = string(access)
	if access != collab.AccessOwner {
		// only the owner sees who else has access
		d.SharedWith = []string{}
	}
	if live, ok := s.Registry.Lookup(docID); ok {
		d.LiveMembers = live.Len()
	}
	return d, nil
}

func (s *DocumentService) UpdateTitle(ctx context.Context, docID, userID, title string) error {
	ok, err := s.Repo.UpdateTitle(ctx, docID, title, userID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.Repo.GetOwnerID(ctx, docID); err != nil {
			return err
		}
		return fmt.Errorf("%w: only the owner can rename", collab.ErrAccessDenied)
	}
	return nil
}

// Share grants shared access to an email address. Sessions pick it up on the
// next join.
func (s *DocumentService) Share(ctx context.Context, userID string, req model.ShareRequest) error {
	if err := s.requireOwner(ctx, req.DocID, userID); err != nil {
		return err
	}
	return s.Repo.AddShare(ctx, req.DocID, strings.TrimSpace(req.Email))
}

func (s *DocumentService) SetLinkAccess(ctx context.Context, userID string, req model.LinkAccessRequest) error {
	if err := s.requireOwner(ctx, req.DocID, userID); err != nil {
		return err
	}
	return s.Repo.SetLinkAccess(ctx, req.DocID, *req.Allow)
}

// DeleteDocument removes the document and disconnects anyone editing it.
// Unsaved edits of the live session are discarded.
func (s *DocumentService) DeleteDocument(ctx context.Context, docID, userID string) error {
	if err := s.requireOwner(ctx, docID, userID); err != nil {
		return err
	}
	if err := s.Repo.Delete(ctx, docID); err != nil {
		return err
	}
	if err := s.Registry.Evict(ctx, docID); err != nil {
		logger.Sugar.Warnf("Failed to evict session for deleted doc %s: %v", docID, err)
	}
	return nil
}

func (s *DocumentService) requireOwner(ctx context.Context, docID, userID string) error {
	ownerID, err := s.Repo.GetOwnerID(ctx, docID)
	if err != nil {
		return err
	}
	if ownerID != userID {
		return fmt.Errorf("%w: only the owner can do this", collab.ErrAccessDenied)
	}
	return nil
}

func getSnippetFromContent(contentJSON string) string {
	d, err := delta.Parse([]byte(contentJSON))
	if err != nil {
		return ""
	}
	res := strings.TrimSpace(d.Text())
	res = strings.ReplaceAll(res, "\n", " ")
	if utf8.RuneCountInString(res) > snippetLength {
		return string([]rune(res)[:snippetLength]) + "..."
	}
	return res
}
