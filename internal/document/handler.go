package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"docsync/internal/collab"
	"docsync/internal/document/model"
	"docsync/internal/document/service"
	"docsync/middleware"
	"docsync/pkg/logger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type DocumentHandler struct {
	Service *service.DocumentService
}

func NewDocumentHandler(service *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{Service: service}
}

func identity(w http.ResponseWriter, r *http.Request) (collab.Identity, bool) {
	who, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return who, ok
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Errorf("Handler: Failed to encode response: %v", err)
	}
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		http.Error(w, "Document not found", http.StatusNotFound)
	case errors.Is(err, collab.ErrAccessDenied):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, collab.ErrStorageUnavailable):
		logger.Sugar.Errorf("Handler: %s: %v", op, err)
		http.Error(w, "Storage unavailable", http.StatusServiceUnavailable)
	default:
		logger.Sugar.Errorf("Handler: %s: %v", op, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	who, ok := identity(w, r)
	if !ok {
		return
	}

	var req model.CreateDocRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	docID, err := h.Service.CreateDocument(r.Context(), who.UserID, req.Title)
	if err != nil {
		writeError(w, "create document", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, model.CreateDocResponse{DocID: docID})
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	who, ok := identity(w, r)
	if !ok {
		return
	}

	docs, err := h.Service.GetDocuments(r.Context(), who)
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, docs)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}
	who, ok := identity(w, r)
	if !ok {
		return
	}

	doc, err := h.Service.GetDocument(r.Context(), who, docID)
	if err != nil {
		writeError(w, "get document "+docID, err)
		return
	}
	writeJSON(w, doc)
}

func (h *DocumentHandler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}
	who, ok := identity(w, r)
	if !ok {
		return
	}

	var req model.UpdateDocRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Service.UpdateTitle(r.Context(), docID, who.UserID, req.Title); err != nil {
		writeError(w, "update title of "+docID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) ShareDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	who, ok := identity(w, r)
	if !ok {
		return
	}

	var req model.ShareRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Service.Share(r.Context(), who.UserID, req); err != nil {
		writeError(w, "share "+req.DocID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) SetLinkAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	who, ok := identity(w, r)
	if !ok {
		return
	}

	var req model.LinkAccessRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Service.SetLinkAccess(r.Context(), who.UserID, req); err != nil {
		writeError(w, "set link access of "+req.DocID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}
	who, ok := identity(w, r)
	if !ok {
		return
	}

	if err := h.Service.DeleteDocument(r.Context(), docID, who.UserID); err != nil {
		writeError(w, "delete "+docID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
