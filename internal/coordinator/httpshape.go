package coordinator

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes describes the ingest HTTP surface an out-of-scope server
// collaborator mounts (spec §6.5 treats the listener itself as external):
// PUT/POST write and forward a fragment or manifest body, DELETE purges
// it. It mirrors the route shape of livesim2's cmaf-ingest-receiver
// (middleware.Logger, middleware.Recoverer, one wildcard path per verb)
// without owning a listener of its own.
type Routes struct {
	Prefix        string
	PutHandler    http.HandlerFunc
	PostHandler   http.HandlerFunc
	DeleteHandler http.HandlerFunc
}

// Router builds a chi mux from Routes, wired the way livesim2's
// setupRouter wires its CMAF ingest endpoints.
func (r Routes) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)
	pattern := r.Prefix + "/*"
	if r.PutHandler != nil {
		mux.Put(pattern, r.PutHandler)
	}
	if r.PostHandler != nil {
		mux.Post(pattern, r.PostHandler)
	}
	if r.DeleteHandler != nil {
		mux.Delete(pattern, r.DeleteHandler)
	}
	return mux
}

// Handlers adapts c into a Routes, reading "<name>/<uri...>" from the
// request path under prefix.
func (c *Coordinator) Handlers(prefix string) Routes {
	return Routes{
		Prefix:        prefix,
		PutHandler:    c.httpIngest,
		PostHandler:   c.httpIngest,
		DeleteHandler: c.httpDelete,
	}
}

func (c *Coordinator) httpIngest(w http.ResponseWriter, req *http.Request) {
	name, uri, ok := splitNameURI(chi.URLParam(req, "*"))
	if !ok {
		http.Error(w, "coordinator: malformed ingest path", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "coordinator: read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := c.Ingest(req.Context(), name, uri, body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Coordinator) httpDelete(w http.ResponseWriter, req *http.Request) {
	name, uri, ok := splitNameURI(chi.URLParam(req, "*"))
	if !ok {
		http.Error(w, "coordinator: malformed delete path", http.StatusBadRequest)
		return
	}
	if err := c.Delete(req.Context(), name, uri); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func splitNameURI(wildcard string) (name, uri string, ok bool) {
	i := strings.Index(wildcard, "/")
	if i < 0 {
		return "", "", false
	}
	return wildcard[:i], wildcard[i+1:], true
}
