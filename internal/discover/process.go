// Package discover implements the two service-discovery probes consumed by
// the resolver and the rebinder: a short-TTL cache over listening local
// processes, and a snapshot of running containers.
package discover

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/localproxy/localproxy/internal/model"
)

// noiseWorkdirs are workdirs that are never a real dev server's app root —
// they belong to system daemons or shells launched from the filesystem root.
var noiseWorkdirs = map[string]bool{
	"/":     true,
	"/app":  true,
	"/srv":  true,
	"/root": true,
}

// debugPorts are well-known Node/Chrome debug ports that are never the
// actual application port.
var debugPorts = map[int]bool{
	9229: true,
	9222: true,
}

// noiseCommands are editors, browsers, and other helper processes that
// routinely hold listening sockets but are never a dev server a hostname
// should route to.
var noiseCommands = []string{
	"Code Helper", "Visual Studio Code", "Google Chrome", "chrome", "firefox",
	"Safari", "Electron Helper", "Spotlight", "rapportd", "ControlCenter",
}

// ProcessProber is the contract to the OS-specific probe: a point-in-time
// list of locally listening processes. Probing may be slow and may fail.
type ProcessProber interface {
	Probe(ctx context.Context) ([]model.ProcessRecord, error)
}

// GopsutilProcessProber implements ProcessProber on top of gopsutil,
// enumerating listening sockets and resolving each to its owning process.
type GopsutilProcessProber struct{}

// NewGopsutilProcessProber returns the default cross-platform prober.
func NewGopsutilProcessProber() *GopsutilProcessProber {
	return &GopsutilProcessProber{}
}

// Probe lists all TCP sockets in LISTEN state, deduplicates them by PID
// (preferring a wildcard bind over a loopback bind and, failing that, the
// lowest port), and enriches each surviving record with command line and
// working directory. Noise (system ports, helper processes, root-ish
// workdirs) is filtered out.
func (p *GopsutilProcessProber) Probe(ctx context.Context) ([]model.ProcessRecord, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("listing tcp connections: %w", err)
	}

	type candidate struct {
		port     int
		bind     string
		wildcard bool
	}
	byPID := make(map[int32]candidate)

	for _, c := range conns {
		if !strings.EqualFold(c.Status, "LISTEN") {
			continue
		}
		if c.Pid == 0 {
			continue
		}
		port := int(c.Laddr.Port)
		if port <= 1023 || debugPorts[port] {
			continue
		}
		wildcard := c.Laddr.IP == "0.0.0.0" || c.Laddr.IP == "::" || c.Laddr.IP == ""

		existing, ok := byPID[c.Pid]
		if !ok {
			byPID[c.Pid] = candidate{port: port, bind: c.Laddr.IP, wildcard: wildcard}
			continue
		}
		// Prefer wildcard-bound over loopback-bound; tie-break by lowest port.
		if wildcard && !existing.wildcard {
			byPID[c.Pid] = candidate{port: port, bind: c.Laddr.IP, wildcard: wildcard}
		} else if wildcard == existing.wildcard && port < existing.port {
			byPID[c.Pid] = candidate{port: port, bind: c.Laddr.IP, wildcard: wildcard}
		}
	}

	records := make([]model.ProcessRecord, 0, len(byPID))
	for pid, cand := range byPID {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue // process likely exited between listing and inspection
		}
		name, _ := proc.NameWithContext(ctx)
		if isNoiseCommand(name) {
			continue
		}
		cmdline, _ := proc.CmdlineWithContext(ctx)
		args, _ := proc.CmdlineSliceWithContext(ctx)
		workdir, _ := proc.CwdWithContext(ctx)
		if noiseWorkdirs[workdir] || noiseWorkdirs[strings.TrimRight(workdir, "/")] {
			continue
		}

		records = append(records, model.ProcessRecord{
			Port:        cand.port,
			PID:         pid,
			BindAddress: cand.bind,
			Command:     cmdline,
			Args:        args,
			Workdir:     workdir,
		})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Port < records[j].Port })
	return records, nil
}

func isNoiseCommand(name string) bool {
	for _, noisy := range noiseCommands {
		if strings.Contains(name, noisy) {
			return true
		}
	}
	return false
}

// ProcessCache wraps a ProcessProber with a short-TTL memoized snapshot.
// Concurrent callers during one TTL window share a single underlying probe.
type ProcessCache struct {
	prober       ProcessProber
	ttl          time.Duration
	probeTimeout time.Duration

	mu          sync.RWMutex
	last        []model.ProcessRecord
	lastRefresh time.Time
	haveData    bool
}

// NewProcessCache wraps prober with a cache that refreshes at most once
// every ttl. Each underlying probe is bounded by probeTimeout and canceled
// if it runs longer.
func NewProcessCache(prober ProcessProber, ttl, probeTimeout time.Duration) *ProcessCache {
	return &ProcessCache{prober: prober, ttl: ttl, probeTimeout: probeTimeout}
}

// Get returns the current process snapshot, refreshing it if the TTL has
// elapsed. On a failed refresh, stale data is returned (and logged as
// degraded through the default slog logger) if any exists; otherwise the
// error is surfaced.
func (c *ProcessCache) Get(ctx context.Context) ([]model.ProcessRecord, error) {
	c.mu.RLock()
	if c.haveData && time.Since(c.lastRefresh) < c.ttl {
		snap := c.last
		c.mu.RUnlock()
		return snap, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check under the write lock: another goroutine may have refreshed
	// while we waited for it.
	if c.haveData && time.Since(c.lastRefresh) < c.ttl {
		return c.last, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	fresh, err := c.prober.Probe(probeCtx)
	if err != nil {
		if c.haveData {
			slog.Warn("process probe failed, serving stale snapshot", "error", err)
			return c.last, nil
		}
		return nil, err
	}

	c.last = fresh
	c.lastRefresh = time.Now()
	c.haveData = true
	return fresh, nil
}

// Invalidate forces the next Get to refresh regardless of TTL.
func (c *ProcessCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRefresh = time.Time{}
}
