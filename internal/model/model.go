// Package model holds the data types shared across the proxy: the durable
// route mapping, the live inventory handed to the LLM judge, and the judge's
// reply. Nothing in here talks to disk, Docker, or the network — it is the
// vocabulary the other packages share.
package model

import "time"

// Kind discriminates the two transport substrates a RouteMapping can point
// at. Prefer this tagged form over interface dispatch — callers switch on
// Kind directly (UpstreamAddressBuilder, PortRebinder).
type Kind string

const (
	KindProcess   Kind = "process"
	KindContainer Kind = "container"
)

// Identifier is a stable descriptor for a process mapping, used by the
// PortRebinder to recover a fresh port after the original one goes stale
// (e.g. after a dev-server restart). It is never valid on a container
// mapping.
type Identifier struct {
	Workdir      string `json:"workdir"`
	CommandRegex string `json:"commandRegex,omitempty"`
}

// RouteMapping is the durable record associated with one hostname.
// Exactly one exists per hostname in the MappingStore.
type RouteMapping struct {
	Kind       Kind        `json:"type"`
	Target     string      `json:"target"`
	Port       int         `json:"port"`
	CreatedAt  time.Time   `json:"createdAt"`
	Rationale  string      `json:"llmReason"`
	Identifier *Identifier `json:"identifier,omitempty"`
}

// Clone returns a deep copy so callers holding a mapping obtained from the
// store never share memory with the store's internal map.
func (m RouteMapping) Clone() RouteMapping {
	cp := m
	if m.Identifier != nil {
		id := *m.Identifier
		cp.Identifier = &id
	}
	return cp
}

// ProcessRecord describes one listening, locally-owned process.
type ProcessRecord struct {
	Port        int      `json:"port"`
	PID         int32    `json:"pid"`
	BindAddress string   `json:"bindAddress"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	Workdir     string   `json:"workdir"`
}

// PublishedMapping is one Docker-published host-port binding for a
// container port.
type PublishedMapping struct {
	ContainerPort int    `json:"containerPort"`
	HostIP        string `json:"hostIp"`
	HostPort      int    `json:"hostPort"`
}

// ContainerRecord describes one running container visible to the proxy.
type ContainerRecord struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Image             string             `json:"image"`
	ExposedPorts      []int              `json:"exposedPorts"`
	PublishedMappings []PublishedMapping `json:"publishedMappings"`
	NetworkIP         string             `json:"networkIp"`
	NetworkName       string             `json:"networkName"`
	Workdir           string             `json:"workdir"`
	Labels            map[string]string  `json:"labels"`
}

// InventorySnapshot is the union of live signals handed to the judge:
// listening processes, running containers, and the current mapping table
// (so the judge can see what it has already decided).
type InventorySnapshot struct {
	Processes  []ProcessRecord         `json:"processes"`
	Containers []ContainerRecord       `json:"containers"`
	Mappings   map[string]RouteMapping `json:"mappings"`
}

// TargetDecision is the judge's reply: what to route a hostname to.
type TargetDecision struct {
	Kind         Kind   `json:"kind"`
	Target       string `json:"target"`
	Port         int    `json:"port"`
	Rationale    string `json:"rationale"`
	Workdir      string `json:"workdir,omitempty"`
	CommandRegex string `json:"command_regex,omitempty"`
}

// ToMapping converts a validated decision into a RouteMapping, preserving
// workdir as the process identifier per spec.
func (d TargetDecision) ToMapping(now time.Time) RouteMapping {
	m := RouteMapping{
		Kind:      d.Kind,
		Target:    d.Target,
		Port:      d.Port,
		CreatedAt: now,
		Rationale: d.Rationale,
	}
	if d.Kind == KindProcess && d.Workdir != "" {
		m.Identifier = &Identifier{Workdir: d.Workdir, CommandRegex: d.CommandRegex}
	}
	return m
}
