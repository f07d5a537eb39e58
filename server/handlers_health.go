package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/onnwee/stitch/db"
)

// Check is one named readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// MigrationCheck fails until the schema is at the embedded latest version and clean.
func MigrationCheck(conn *sql.DB) Check {
	return Check{Name: "migrations", Fn: func(context.Context) error {
		version, dirty, err := db.GetMigrationVersion(conn)
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("schema version %d is dirty", version)
		}
		latest, err := db.LatestVersion()
		if err != nil {
			return err
		}
		if version < latest {
			return fmt.Errorf("schema version %d behind %d", version, latest)
		}
		return nil
	}}
}

// BreakerCheck fails while the named circuit breaker is open.
func BreakerCheck(name string, state func() string) Check {
	return Check{Name: name + "_circuit", Fn: func(context.Context) error {
		if state() == "open" {
			return errors.New("circuit breaker open")
		}
		return nil
	}}
}

// healthz responds to liveness probes by checking database connectivity.
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz runs the database ping and then every configured check, reporting the
// first failure.
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	checks := append([]Check{{Name: "database", Fn: h.db.Ping}}, h.ready...)
	for _, check := range checks {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
