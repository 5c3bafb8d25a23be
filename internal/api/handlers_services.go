package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (r *Router) listServices(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.services.List())
}

func (r *Router) getService(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	svc, ok := r.services.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (r *Router) scanServices(w http.ResponseWriter, req *http.Request) {
	if err := r.services.Scan(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"services": r.services.List(),
		"failures": r.services.Failures(),
	})
}
