package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/queue"
	"server/internal/storage"
)

// Publisher is the slice of the dispatcher the intake path needs.
type Publisher interface {
	Publish(ctx context.Context, desc queue.Descriptor) error
}

// App carries the collaborators shared by all handlers.
type App struct {
	Logger     zerolog.Logger
	Jobs       domain.JobRepository
	Locks      domain.LockManager
	Dispatcher Publisher
	Results    *storage.FileStore

	// WorkDir is where input artifacts land, one subdirectory per job.
	WorkDir string
}

func NewApp(logger zerolog.Logger, jobs domain.JobRepository, locks domain.LockManager, dispatcher Publisher, results *storage.FileStore, workDir string) *App {
	return &App{
		Logger:     logger,
		Jobs:       jobs,
		Locks:      locks,
		Dispatcher: dispatcher,
		Results:    results,
		WorkDir:    workDir,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}

// Health reports service liveness.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "swap-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
