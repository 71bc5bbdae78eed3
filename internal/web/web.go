// Package web serves the HTTP admin and status surface: account
// lookups, a health check, and the live seek list. Grounded on
// go-kgp's web.go (an http.ServeMux wired up once in WebConf.init(),
// with small handlers that format a page from live server state) and
// jaminalder-codex-tic-tac-toe's internal/web/server.go, which is
// where go-chi/chi/v5 earns its place in this stack.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tak-server/internal/app"
	"tak-server/internal/engine"
	"tak-server/internal/store"
)

// NewRouter builds the admin/status HTTP surface for a.
func NewRouter(a *app.Application) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", healthHandler)
	r.Get("/seeks", seeksHandler(a))
	r.Get("/games/{id}/ptn", ptnHandler(a))
	r.Route("/accounts/{name}", func(r chi.Router) {
		r.Get("/", accountHandler(a))
	})
	return r
}

// ptnHandler serves a finished game's full PTN export as plain text.
func ptnHandler(a *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := a.Store.Games.GetGame(r.Context(), store.GameId(id))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		tags := engine.PTNTags{
			Site:     "tak-server",
			Date:     rec.StartedAt.Format("2006.01.02"),
			White:    rec.WhiteName,
			Black:    rec.BlackName,
			Size:     rec.BoardSize,
			HalfKomi: rec.HalfKomi,
			Clock:    fmt.Sprintf("%d+%d", rec.Contingent, rec.Increment),
			Result:   rec.Result,
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(engine.ExportPTN(tags, rec.PTNActions)))
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func seeksHandler(a *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Match.ListSeeks())
	}
}

func accountHandler(a *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		acct, err := a.Store.Accounts.GetAccountByName(r.Context(), name)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"name":   acct.Name,
			"rating": acct.Rating,
			"role":   acct.Role,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
