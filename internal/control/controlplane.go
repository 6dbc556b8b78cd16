// Package control implements ControlPlane: the mapping CRUD API, the debug
// dashboard (JSON and HTML), and the TLS-admission check endpoint.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/localproxy/localproxy/internal/model"
	"github.com/localproxy/localproxy/internal/store"
)

// MappingStore is the subset of store.Store the control plane mutates.
type MappingStore interface {
	Get(host string) (model.RouteMapping, bool)
	GetAll() map[string]model.RouteMapping
	Set(host string, m model.RouteMapping)
	Delete(host string)
	Save() error
}

// ProcessSource mirrors proxy.ProcessSource, kept as its own interface so
// control does not depend on the proxy package.
type ProcessSource interface {
	Get(ctx context.Context) ([]model.ProcessRecord, error)
}

// ContainerSource mirrors proxy.ContainerSource.
type ContainerSource interface {
	Get(ctx context.Context) []model.ContainerRecord
}

// Environment is the subset of config.Config the debug snapshot echoes.
// Secret fields are surfaced only as "[set]"/"[not set]".
type Environment struct {
	Model           string
	CacheFile       string
	APIURL          string
	HasAPIKey       bool
	OwnProject      string
	DebugHost       string
	AdmissionSuffix string
}

// ControlPlane implements the mapping CRUD API, debug snapshot, and
// admission check (spec §4.J).
type ControlPlane struct {
	store      MappingStore
	processes  ProcessSource
	containers ContainerSource
	env        Environment
	log        *slog.Logger
	startedAt  time.Time
}

// New builds a ControlPlane.
func New(store MappingStore, processes ProcessSource, containers ContainerSource, env Environment, log *slog.Logger) *ControlPlane {
	return &ControlPlane{
		store:      store,
		processes:  processes,
		containers: containers,
		env:        env,
		log:        log,
		startedAt:  time.Now(),
	}
}

// ServeAdmission answers the TLS front end's admission-check query: 200 iff
// domain ends with the configured admission suffix, 403 otherwise.
func (c *ControlPlane) ServeAdmission(w http.ResponseWriter, r *http.Request, domain string) {
	if strings.HasSuffix(domain, c.env.AdmissionSuffix) {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Error(w, "domain not permitted", http.StatusForbidden)
}

// ServeMappingAPI handles every request under /_api/mappings/.
func (c *ControlPlane) ServeMappingAPI(w http.ResponseWriter, r *http.Request) {
	host := strings.TrimPrefix(r.URL.Path, "/_api/mappings/")

	switch r.Method {
	case http.MethodGet:
		if host == "" {
			c.listMappings(w)
			return
		}
		c.getMapping(w, host)
	case http.MethodPut:
		if host == "" {
			http.Error(w, "PUT requires a hostname", http.StatusBadRequest)
			return
		}
		c.putMapping(w, r, host)
	case http.MethodDelete:
		if host == "" {
			http.Error(w, "DELETE requires a hostname", http.StatusBadRequest)
			return
		}
		c.deleteMapping(w, host)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *ControlPlane) listMappings(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, c.store.GetAll())
}

func (c *ControlPlane) getMapping(w http.ResponseWriter, host string) {
	m, ok := c.store.Get(host)
	if !ok {
		http.Error(w, "no mapping for "+host, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// mappingRequest is the PUT body: kind, target, port only — rationale and
// timestamp are always server-assigned for manual edits.
type mappingRequest struct {
	Kind   model.Kind `json:"type"`
	Target string     `json:"target"`
	Port   int        `json:"port"`
}

func (c *ControlPlane) putMapping(w http.ResponseWriter, r *http.Request, host string) {
	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Kind != model.KindProcess && req.Kind != model.KindContainer {
		http.Error(w, fmt.Sprintf("type must be %q or %q", model.KindProcess, model.KindContainer), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		http.Error(w, "target must not be empty", http.StatusBadRequest)
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		http.Error(w, "port must be in [1,65535]", http.StatusBadRequest)
		return
	}

	m := model.RouteMapping{
		Kind:      req.Kind,
		Target:    req.Target,
		Port:      req.Port,
		CreatedAt: time.Now().UTC(),
		Rationale: "manual",
	}
	c.store.Set(host, m)
	if err := c.store.Save(); err != nil {
		c.log.Warn("manual mapping saved in memory but persistence failed", "host", host, "error", err)
		http.Error(w, "mapping applied but not persisted: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (c *ControlPlane) deleteMapping(w http.ResponseWriter, host string) {
	c.store.Delete(host)
	if err := c.store.Save(); err != nil {
		c.log.Warn("mapping deleted in memory but persistence failed", "host", host, "error", err)
		http.Error(w, "deleted but not persisted: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// debugSnapshot is the JSON/HTML debug payload (spec §4.J).
type debugSnapshot struct {
	Timestamp  time.Time                     `json:"timestamp"`
	Processes  []model.ProcessRecord         `json:"processes"`
	Containers []model.ContainerRecord       `json:"containers"`
	Mappings   map[string]model.RouteMapping `json:"mappings"`
	Env        map[string]string             `json:"environment"`
	UptimeSecs int64                         `json:"uptimeSeconds"`
}

// ServeDebug serves the dashboard: HTML if the client accepts it, JSON
// otherwise. "/_debug/health" is a trivial liveness probe, distinct from
// the full snapshot, for use by the out-of-scope packaging layer.
func (c *ControlPlane) ServeDebug(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/_debug/health" {
		c.serveHealth(w)
		return
	}

	snap := c.buildSnapshot(r.Context())

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		c.serveDebugHTML(w, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (c *ControlPlane) serveHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(c.startedAt).Seconds()),
		"mappingCount":  len(c.store.GetAll()),
	})
}

func (c *ControlPlane) buildSnapshot(ctx context.Context) debugSnapshot {
	processes, err := c.processes.Get(ctx)
	if err != nil {
		c.log.Warn("process snapshot unavailable for debug dashboard", "error", err)
	}
	containers := c.containers.Get(ctx)

	apiKeyState := "[not set]"
	if c.env.HasAPIKey {
		apiKeyState = "[set]"
	}

	return debugSnapshot{
		Timestamp:  time.Now().UTC(),
		Processes:  processes,
		Containers: containers,
		Mappings:   c.store.GetAll(),
		Env: map[string]string{
			"model":            c.env.Model,
			"cache_file":       c.env.CacheFile,
			"api_url":          c.env.APIURL,
			"api_key":          apiKeyState,
			"own_project":      c.env.OwnProject,
			"debug_host":       c.env.DebugHost,
			"admission_suffix": c.env.AdmissionSuffix,
		},
		UptimeSecs: int64(time.Since(c.startedAt).Seconds()),
	}
}

func (c *ControlPlane) serveDebugHTML(w http.ResponseWriter, snap debugSnapshot) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := debugTemplate.Execute(w, snap); err != nil {
		c.log.Warn("rendering debug dashboard failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isRealRoute reexports store.IsComposite's negation for the HTML template,
// so the dashboard can visually mark synthetic second-level proxy keys
// without the template package depending on store directly.
func isRealRoute(host string) bool { return !store.IsComposite(host) }

var debugTemplate = template.Must(template.New("debug").Funcs(template.FuncMap{
	"isRealRoute": isRealRoute,
	"port":        func(p int) string { return strconv.Itoa(p) },
}).Parse(debugHTML))

const debugHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>localproxy debug</title></head>
<body>
<h1>localproxy</h1>
<p>uptime: {{.UptimeSecs}}s</p>

<h2>Environment</h2>
<ul>
{{range $k, $v := .Env}}<li>{{$k}}: {{$v}}</li>
{{end}}
</ul>

<h2>Processes</h2>
<table border="1">
<tr><th>pid</th><th>port</th><th>bind</th><th>command</th><th>workdir</th></tr>
{{range .Processes}}<tr><td>{{.PID}}</td><td>{{.Port}}</td><td>{{.BindAddress}}</td><td>{{.Command}}</td><td>{{.Workdir}}</td></tr>
{{end}}
</table>

<h2>Containers</h2>
<table border="1">
<tr><th>name</th><th>image</th><th>network ip</th><th>workdir</th></tr>
{{range .Containers}}<tr><td>{{.Name}}</td><td>{{.Image}}</td><td>{{.NetworkIP}}</td><td>{{.Workdir}}</td></tr>
{{end}}
</table>

<h2>Mappings</h2>
<table border="1">
<tr><th>host</th><th>kind</th><th>target</th><th>port</th><th>rationale</th><th></th></tr>
{{range $host, $m := .Mappings}}<tr{{if not (isRealRoute $host)}} style="opacity:0.6"{{end}}>
<td>{{$host}}</td><td>{{$m.Kind}}</td><td>{{$m.Target}}</td><td>{{port $m.Port}}</td><td>{{$m.Rationale}}</td>
<td><button onclick="fetch('/_api/mappings/{{$host}}',{method:'DELETE'}).then(()=>location.reload())">delete</button></td>
</tr>
{{end}}
</table>
</body>
</html>
`
