// Package rebind implements PortRebinder: recovering a process mapping's
// current port from a live ProcessSnapshot when the originally cached port
// may have gone stale (e.g. after a dev-server restart picked a new port).
package rebind

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/localproxy/localproxy/internal/model"
)

// Rebinder resolves the current port for a process mapping's Identifier
// against a live process snapshot.
type Rebinder struct{}

// New returns a Rebinder. It holds no state — each Resolve call is given
// the current snapshot by its caller.
func New() *Rebinder {
	return &Rebinder{}
}

// Resolve returns the port of the best-matching process for id, or an
// error if no candidate matches. Callers fall back to the mapping's stored
// port on error.
func (r *Rebinder) Resolve(id model.Identifier, processes []model.ProcessRecord) (int, error) {
	var candidates []model.ProcessRecord
	for _, p := range processes {
		if matchWorkdir(p.Workdir, id.Workdir) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return 0, fmt.Errorf("no process matches workdir %q", id.Workdir)
	}

	if id.CommandRegex != "" {
		filtered := filterByCommand(candidates, id.CommandRegex)
		if len(filtered) > 0 {
			candidates = filtered
		}
		// If the regex matched nothing, keep the workdir-only candidates —
		// a bad regex shouldn't make a resolvable identifier unresolvable.
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Port < candidates[j].Port })
	return candidates[0].Port, nil
}

// matchWorkdir implements the §4.F rule: after trimming trailing slashes,
// equal, or one is a path-prefix of the other. Dev tools often report a
// subdirectory (the app root) while the judge remembers the repo root, or
// vice versa.
func matchWorkdir(a, b string) bool {
	a = strings.TrimRight(a, "/")
	b = strings.TrimRight(b, "/")
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if strings.HasPrefix(a, b+"/") {
		return true
	}
	if strings.HasPrefix(b, a+"/") {
		return true
	}
	return false
}

// filterByCommand further restricts candidates to those whose command or
// args match pattern as a regex. An invalid regex degrades to a literal
// substring match rather than failing the whole rebind.
func filterByCommand(candidates []model.ProcessRecord, pattern string) []model.ProcessRecord {
	re, err := regexp.Compile(pattern)
	matchFn := func(p model.ProcessRecord) bool {
		if err == nil {
			if re.MatchString(p.Command) {
				return true
			}
			for _, a := range p.Args {
				if re.MatchString(a) {
					return true
				}
			}
			return false
		}
		if strings.Contains(p.Command, pattern) {
			return true
		}
		for _, a := range p.Args {
			if strings.Contains(a, pattern) {
				return true
			}
		}
		return false
	}

	var out []model.ProcessRecord
	for _, p := range candidates {
		if matchFn(p) {
			out = append(out, p)
		}
	}
	return out
}
