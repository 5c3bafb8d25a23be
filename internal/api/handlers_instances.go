package api

import (
	"bufio"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/r3e-network/hostrunner/internal/instance"
)

type instanceView struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	ServiceID string          `json:"serviceId"`
	Pid       int             `json:"pid"`
	Status    instance.Status `json:"status"`
	StartedAt string          `json:"startedAt"`
	Stats     *instance.Stats `json:"stats,omitempty"`
}

func toInstanceView(inst *instance.Instance, withStats bool) instanceView {
	v := instanceView{
		ID:        inst.ID,
		ProjectID: inst.ProjectID,
		ServiceID: inst.ServiceID,
		Pid:       inst.Pid,
		Status:    inst.Status,
		StartedAt: inst.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if withStats && inst.Status == instance.StatusRunning {
		if stats, err := instance.SampleStats(inst); err == nil {
			v.Stats = &stats
		}
	}
	return v
}

func (r *Router) listInstances(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("projectId")

	var insts []*instance.Instance
	if projectID != "" {
		insts = r.instances.InstancesForProject(projectID)
	} else {
		insts = r.instances.List()
	}

	out := make([]instanceView, 0, len(insts))
	for _, inst := range insts {
		out = append(out, toInstanceView(inst, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) terminateInstance(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := r.instances.Terminate(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"terminated": true})
}

func (r *Router) instanceLogs(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	inst, ok := r.instances.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}

	lines := 200
	if raw := req.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			lines = n
		}
	}
	if lines < 1 {
		lines = 1
	}
	if lines > 5000 {
		lines = 5000
	}

	tail, err := tailLines(inst.LogPath, lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": tail})
}

// tailLines reads the last n lines of path by scanning the whole file.
// Instance log files are appended to and never rotated, so the scan grows
// with the file.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}
