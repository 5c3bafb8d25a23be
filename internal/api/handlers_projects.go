package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/r3e-network/hostrunner/internal/project"
)

func (r *Router) listProjects(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.projects.List())
}

func (r *Router) getProject(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	p, ok := r.projects.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) createProject(w http.ResponseWriter, req *http.Request) {
	var body project.Project
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if _, exists := r.projects.Get(body.ID); exists {
		writeError(w, http.StatusConflict, "project already exists")
		return
	}
	if err := r.projects.Save(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) putProject(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	var body project.Project
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body.ID = id
	if err := r.projects.Save(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (r *Router) deleteProject(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if len(r.instances.InstancesForProject(id)) > 0 {
		writeError(w, http.StatusConflict, "project has running instances")
		return
	}
	if err := r.projects.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (r *Router) validateProject(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	p, ok := r.projects.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err := r.projects.Save(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": p.Valid, "error": p.Error})
}

func (r *Router) startProject(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	p, ok := r.projects.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if !p.Valid {
		writeError(w, http.StatusConflict, "project is not valid: "+p.Error)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()

	inst, err := r.instances.Launch(ctx, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toInstanceView(inst, false))
}

func (r *Router) stopProject(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	r.schedule.StopProject(id)
	if err := r.instances.TerminateByProject(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (r *Router) reloadProject(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := r.projects.Load(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	p, ok := r.projects.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) projectRuntime(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	p, ok := r.projects.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	insts := r.instances.InstancesForProject(id)
	views := make([]instanceView, 0, len(insts))
	for _, inst := range insts {
		views = append(views, toInstanceView(inst, true))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project":   p,
		"instances": views,
	})
}
