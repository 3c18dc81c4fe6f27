package handlers

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
)

// ServeResult serves fallback result images from the local results directory.
func (a *App) ServeResult(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	path, err := a.Results.Path(filename)
	if err != nil {
		a.error(w, http.StatusBadRequest, "invalid filename")
		return
	}
	if _, err := os.Stat(path); err != nil {
		a.error(w, http.StatusNotFound, "File not found")
		return
	}

	http.ServeFile(w, r, path)
}
