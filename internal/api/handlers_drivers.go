package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func (r *Router) listDrivers(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.drivers.List())
}

func (r *Router) scanDrivers(w http.ResponseWriter, req *http.Request) {
	var body struct {
		RefreshMeta bool `json:"refreshMeta"`
	}
	_ = json.NewDecoder(req.Body).Decode(&body)

	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
	defer cancel()

	if err := r.drivers.Scan(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.drivers.List())
}
