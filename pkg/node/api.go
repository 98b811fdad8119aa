package node

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skycoin/dtp/internal/httputil"
	"github.com/skycoin/dtp/pkg/transferlog"
)

// HealthInfo is returned by /api/health.
type HealthInfo struct {
	Version string   `json:"version"`
	Uptime  string   `json:"uptime"`
	Address string   `json:"address,omitempty"`
	Active  []uint32 `json:"active_transactions"`
}

// ServeHTTP implements http.Handler
func (node *Node) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(time.Second * 30))
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", node.getHealth())
		r.Get("/transfers", node.getTransfers())
		r.Get("/transfers/{id}", node.getTransfer())
	})
	r.Handle("/metrics", promhttp.HandlerFor(node.registry, promhttp.HandlerOpts{}))
	r.ServeHTTP(w, req)
}

func (node *Node) getHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := HealthInfo{
			Version: node.config.Version,
			Uptime:  time.Since(node.started).Truncate(time.Second).String(),
			Active:  node.Active(),
		}
		if addr := node.Addr(); addr != nil {
			info.Address = addr.String()
		}
		httputil.WriteJSON(w, r, http.StatusOK, info)
	}
}

func (node *Node) getTransfers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := node.logs.Entries()
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusInternalServerError, err)
			return
		}
		httputil.WriteJSON(w, r, http.StatusOK, entries)
	}
}

func (node *Node) getTransfer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.WriteJSON(w, r, http.StatusBadRequest, err)
			return
		}
		entry, err := node.logs.Entry(id)
		switch err {
		case nil:
			httputil.WriteJSON(w, r, http.StatusOK, entry)
		case transferlog.ErrNotFound:
			httputil.WriteJSON(w, r, http.StatusNotFound, err)
		default:
			httputil.WriteJSON(w, r, http.StatusInternalServerError, err)
		}
	}
}
