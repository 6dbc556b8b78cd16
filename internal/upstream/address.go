// Package upstream implements UpstreamAddressBuilder: translating a
// RouteMapping into the concrete (host, port) the forwarder dials.
package upstream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/localproxy/localproxy/internal/model"
	"github.com/localproxy/localproxy/internal/rebind"
)

// ContainerLocator is the subset of ContainerProber the builder needs to
// resolve a container mapping to a dialable address.
type ContainerLocator interface {
	GetPublishedPort(ctx context.Context, name string, containerPort int) (hostIP string, hostPort int, ok bool)
	GetContainerIP(ctx context.Context, name string) (string, bool)
}

// ProcessLister supplies the live process snapshot PortRebinder needs.
type ProcessLister interface {
	Get(ctx context.Context) ([]model.ProcessRecord, error)
}

// Builder constructs the final (host, port) pair to dial for a RouteMapping.
type Builder struct {
	rebinder   *rebind.Rebinder
	processes  ProcessLister
	containers ContainerLocator
	log        *slog.Logger
}

// New builds an address Builder.
func New(rebinder *rebind.Rebinder, processes ProcessLister, containers ContainerLocator, log *slog.Logger) *Builder {
	return &Builder{rebinder: rebinder, processes: processes, containers: containers, log: log}
}

// Build resolves m to a dialable (host, port) pair.
func (b *Builder) Build(ctx context.Context, host string, m model.RouteMapping) (string, int, error) {
	switch m.Kind {
	case model.KindProcess:
		return b.buildProcess(ctx, host, m)
	case model.KindContainer:
		return b.buildContainer(ctx, host, m)
	default:
		return "", 0, fmt.Errorf("mapping for %q has unknown kind %q", host, m.Kind)
	}
}

func (b *Builder) buildProcess(ctx context.Context, host string, m model.RouteMapping) (string, int, error) {
	port := m.Port
	if m.Identifier != nil {
		processes, err := b.processes.Get(ctx)
		if err != nil {
			b.log.Warn("process snapshot unavailable, using cached port", "host", host, "error", err)
		} else if rebound, err := b.rebinder.Resolve(*m.Identifier, processes); err == nil {
			port = rebound
		} else {
			b.log.Warn("port rebind failed, falling back to stored port", "host", host, "workdir", m.Identifier.Workdir, "error", err)
		}
	}
	return "127.0.0.1", port, nil
}

func (b *Builder) buildContainer(ctx context.Context, host string, m model.RouteMapping) (string, int, error) {
	if hostIP, hostPort, ok := b.containers.GetPublishedPort(ctx, m.Target, m.Port); ok {
		return hostIP, hostPort, nil
	}
	if ip, ok := b.containers.GetContainerIP(ctx, m.Target); ok {
		return ip, m.Port, nil
	}
	return "", 0, fmt.Errorf("no reachable address for container %q (host %q)", m.Target, host)
}
