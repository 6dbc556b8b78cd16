// Package proxy implements RoutingDispatcher and ReverseProxyForwarder: the
// HTTP/WebSocket entry point that classifies every inbound request and
// streams it to the resolved upstream.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/localproxy/localproxy/internal/model"
	"github.com/localproxy/localproxy/internal/store"
)

// Kind classifies a dispatch failure so the caller can map it to an HTTP
// status without re-deriving the reason from an error string.
type Kind string

const (
	KindBadRequest          Kind = "bad-request"
	KindNotAllowed          Kind = "not-allowed"
	KindNotFound            Kind = "not-found"
	KindMethodNotAllowed    Kind = "method-not-allowed"
	KindUpstreamUnreachable Kind = "upstream-unreachable"
	KindResolverFailure     Kind = "resolver-failure"
)

// Error carries a Kind alongside the usual error chain so the dispatcher's
// top-level handler can map it to the right HTTP status (see spec §7).
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// statusFor maps a Kind to its HTTP status, per spec §7.
func statusFor(k Kind) int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotAllowed:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindUpstreamUnreachable, KindResolverFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MappingStore is the subset of store.Store the dispatcher consults directly.
type MappingStore interface {
	Get(host string) (model.RouteMapping, bool)
	GetAll() map[string]model.RouteMapping
}

// Resolver is the subset of resolver.Resolver the dispatcher drives on a
// cache miss or forced re-resolution.
type Resolver interface {
	ResolveHostname(ctx context.Context, host, userHint string, inv model.InventorySnapshot, force bool) (model.RouteMapping, error)
	ResolveRelated(ctx context.Context, key, originHost string, originMapping *model.RouteMapping, service, userHint string, inv model.InventorySnapshot, force bool) (model.RouteMapping, error)
}

// AddressBuilder is the subset of upstream.Builder the dispatcher drives.
type AddressBuilder interface {
	Build(ctx context.Context, host string, m model.RouteMapping) (string, int, error)
}

// InventoryProvider assembles the InventorySnapshot handed to the resolver.
type InventoryProvider interface {
	Snapshot(ctx context.Context, allMappings map[string]model.RouteMapping) model.InventorySnapshot
}

// ControlPlane is the subset of control.ControlPlane the dispatcher delegates
// admission, debug, and CRUD requests to.
type ControlPlane interface {
	ServeAdmission(w http.ResponseWriter, r *http.Request, domain string)
	ServeDebug(w http.ResponseWriter, r *http.Request)
	ServeMappingAPI(w http.ResponseWriter, r *http.Request)
}

// Dispatcher implements RoutingDispatcher (spec §4.H).
type Dispatcher struct {
	store           MappingStore
	resolver        Resolver
	builder         AddressBuilder
	inventory       InventoryProvider
	control         ControlPlane
	forwarder       *Forwarder
	debugHost       string
	admissionSuffix string
	log             *slog.Logger
}

// New builds a Dispatcher.
func New(store MappingStore, resolver Resolver, builder AddressBuilder, inventory InventoryProvider, control ControlPlane, forwarder *Forwarder, debugHost, admissionSuffix string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:           store,
		resolver:        resolver,
		builder:         builder,
		inventory:       inventory,
		control:         control,
		forwarder:       forwarder,
		debugHost:       debugHost,
		admissionSuffix: admissionSuffix,
		log:             log,
	}
}

// ServeHTTP is the single entry point for every inbound request.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, err := extractHost(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	path := r.URL.Path

	if path == "/_caddy/check" || path == "/_tls_check" {
		domain := r.URL.Query().Get("domain")
		if domain == "" {
			domain = host
		}
		d.control.ServeAdmission(w, r, domain)
		return
	}

	if host == d.debugHost || strings.HasPrefix(path, "/_debug") {
		d.control.ServeDebug(w, r)
		return
	}

	if strings.HasPrefix(path, "/_api/mappings/") {
		d.control.ServeMappingAPI(w, r)
		return
	}

	if path == "/favicon.ico" || path == "/robots.txt" {
		http.NotFound(w, r)
		return
	}

	var (
		key           = host
		originHost    = host
		service       string
		originMapping *model.RouteMapping
	)

	if strings.HasPrefix(path, "/_proxy/") {
		svc, rest, ok := parseProxyPath(path)
		if !ok {
			http.Error(w, "malformed /_proxy/ path", http.StatusBadRequest)
			return
		}
		service = svc
		key = store.CompositeKey(host, service)
		r.URL.Path = "/" + rest

		if m, ok := d.store.Get(host); ok {
			originMapping = &m
		}
	}

	force, prompt := stripReservedQuery(r.URL)

	mapping, ok := d.store.Get(key)
	if !ok || force {
		resolved, err := d.resolveMapping(r.Context(), key, originHost, originMapping, service, prompt, force)
		if err != nil {
			d.writeError(w, err)
			return
		}
		mapping = resolved
	}

	upstreamHost, upstreamPort, err := d.builder.Build(r.Context(), key, mapping)
	if err != nil {
		d.writeError(w, newError(KindUpstreamUnreachable, "building upstream address for %q: %w", key, err))
		return
	}

	if isWebSocketUpgrade(r) {
		d.forwarder.ForwardWebSocket(w, r, upstreamHost, upstreamPort)
		return
	}
	d.forwarder.ForwardHTTP(w, r, upstreamHost, upstreamPort)
}

func (d *Dispatcher) resolveMapping(ctx context.Context, key, originHost string, originMapping *model.RouteMapping, service, userHint string, force bool) (model.RouteMapping, error) {
	inv := d.inventory.Snapshot(ctx, d.store.GetAll())

	var (
		m   model.RouteMapping
		err error
	)
	if service != "" {
		m, err = d.resolver.ResolveRelated(ctx, key, originHost, originMapping, service, userHint, inv, force)
	} else {
		m, err = d.resolver.ResolveHostname(ctx, key, userHint, inv, force)
	}
	if err != nil {
		return model.RouteMapping{}, newError(KindResolverFailure, "resolving %q: %w", key, err)
	}
	return m, nil
}

func (d *Dispatcher) writeError(w http.ResponseWriter, err error) {
	kind := KindResolverFailure
	var de *Error
	if errors.As(err, &de) {
		kind = de.Kind
	}
	status := statusFor(kind)
	d.log.Warn("dispatch failed", "kind", kind, "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

// extractHost derives the lookup hostname from the Host header: brackets
// are stripped from IPv6 literals and a trailing ":port" is removed.
func extractHost(r *http.Request) (string, error) {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host == "" {
		return "", fmt.Errorf("missing Host header")
	}

	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end != -1 {
			return strings.ToLower(host[1:end]), nil
		}
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.ToLower(host), nil
}

// parseProxyPath splits "/_proxy/<service>/<rest?>" into service and rest.
func parseProxyPath(path string) (service, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/_proxy/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	service = parts[0]
	if service == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		rest = parts[1]
	}
	return service, rest, true
}

// stripReservedQuery reports whether "force" was present and returns
// "prompt"'s value, rewriting u.RawQuery in place to drop both while
// preserving every other pair in its original order and exact textual form
// (no URL-canonicalization of the survivors).
func stripReservedQuery(u *url.URL) (force bool, prompt string) {
	if u.RawQuery == "" {
		return false, ""
	}
	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		key := pair
		if idx := strings.IndexByte(pair, '='); idx != -1 {
			key = pair[:idx]
		}
		keyDecoded, err := url.QueryUnescape(key)
		if err != nil {
			keyDecoded = key
		}
		switch keyDecoded {
		case "force":
			force = true
			continue
		case "prompt":
			if idx := strings.IndexByte(pair, '='); idx != -1 {
				if v, err := url.QueryUnescape(pair[idx+1:]); err == nil {
					prompt = v
				} else {
					prompt = pair[idx+1:]
				}
			}
			continue
		}
		kept = append(kept, pair)
	}
	u.RawQuery = strings.Join(kept, "&")
	return force, prompt
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
