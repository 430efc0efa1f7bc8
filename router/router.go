package router

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docsync/internal/collab"
	docHandler "docsync/internal/document"
	"docsync/internal/document/repository"
	"docsync/internal/document/service"
	"docsync/middleware"
	"docsync/socket"
)

type Deps struct {
	Repo           *repository.DocumentRepository
	Registry       *collab.Registry
	Gateway        *socket.Gateway
	JWTSecret      string
	AllowedOrigins []string
	// Gatherer serves /metrics. Nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
}

func Setup(d Deps) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.AuthMiddleware(d.JWTSecret)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, _ := middleware.IdentityFrom(r.Context())
		d.Gateway.ServeWs(w, r, who)
	})
	mux.Handle("/ws", auth(wsHandler))

	// REST API
	docService := service.NewDocumentService(d.Repo, d.Registry)
	h := docHandler.NewDocumentHandler(docService)

	mux.Handle("/api/documents/create", auth(http.HandlerFunc(h.CreateDocument)))
	mux.Handle("/api/documents/delete", auth(http.HandlerFunc(h.DeleteDocument)))
	mux.Handle("/api/documents/update", auth(http.HandlerFunc(h.UpdateDocument)))
	mux.Handle("/api/documents/get", auth(http.HandlerFunc(h.GetDocument)))
	mux.Handle("/api/documents", auth(http.HandlerFunc(h.GetDocuments)))
	mux.Handle("/api/documents/share", auth(http.HandlerFunc(h.ShareDocument)))
	mux.Handle("/api/documents/link-access", auth(http.HandlerFunc(h.SetLinkAccess)))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"sessions":    d.Registry.Len(),
			"connections": d.Gateway.Len(),
		})
	})
	if d.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	return middleware.CORSMiddleware(d.AllowedOrigins)(mux)
}
