// Package resolver wraps the external LLM judge (ResolverGateway) and
// coalesces concurrent resolutions for the same hostname
// (SingleflightResolver).
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/localproxy/localproxy/internal/model"
)

// Gateway wraps an OpenAI-compatible chat-completions endpoint acting as
// the routing judge. It never retries — SingleflightResolver is what
// bounds duplicate calls across concurrent requests.
type Gateway struct {
	client  openai.Client
	model   string
	timeout time.Duration
	hasKey  bool
}

// NewGateway builds a Gateway pointed at apiURL using apiKey, asking for
// model on every call, bounded by timeout. An empty apiKey is allowed to
// construct the client, but every call fails fast with a missing-credential
// error.
func NewGateway(apiURL, apiKey, model string, timeout time.Duration) *Gateway {
	return &Gateway{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(chatCompletionsBaseURL(apiURL)),
			option.WithMaxRetries(0),
		),
		model:   model,
		timeout: timeout,
		hasKey:  apiKey != "",
	}
}

// chatCompletionsBaseURL adapts apiURL (spec §6 names it the full
// chat-completions endpoint) into the base URL the openai-go client expects,
// since the client itself appends "chat/completions" to whatever base it is
// given.
func chatCompletionsBaseURL(apiURL string) string {
	return strings.TrimSuffix(strings.TrimSuffix(apiURL, "/"), "/chat/completions")
}

// ResolveHostname asks the judge which local target a freshly seen
// hostname should route to.
func (g *Gateway) ResolveHostname(ctx context.Context, host, userHint string, inv model.InventorySnapshot) (model.TargetDecision, error) {
	prompt := buildHostnamePrompt(host, userHint, inv)
	return g.call(ctx, prompt)
}

// ResolveRelated asks the judge to resolve a second-level "related
// service" request: a hostname that already has a mapping is asking for a
// sibling service by name (the /_proxy/<service>/ path).
func (g *Gateway) ResolveRelated(ctx context.Context, originHost string, originMapping *model.RouteMapping, service, userHint string, inv model.InventorySnapshot) (model.TargetDecision, error) {
	prompt := buildRelatedPrompt(originHost, originMapping, service, userHint, inv)
	return g.call(ctx, prompt)
}

func (g *Gateway) call(ctx context.Context, prompt string) (model.TargetDecision, error) {
	if !g.hasKey {
		return model.TargetDecision{}, fmt.Errorf("resolver: no API credential configured")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(judgeSystemPrompt),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnionParam{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return model.TargetDecision{}, fmt.Errorf("resolver: judge request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.TargetDecision{}, fmt.Errorf("resolver: judge returned no choices")
	}

	content := resp.Choices[0].Message.Content
	content = stripJSONFence(content)

	var decision model.TargetDecision
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		return model.TargetDecision{}, fmt.Errorf("resolver: unparseable judge reply: %w", err)
	}
	if err := validateDecision(decision); err != nil {
		return model.TargetDecision{}, fmt.Errorf("resolver: invalid judge reply: %w", err)
	}
	return decision, nil
}

func validateDecision(d model.TargetDecision) error {
	if d.Kind != model.KindProcess && d.Kind != model.KindContainer {
		return fmt.Errorf("kind must be %q or %q, got %q", model.KindProcess, model.KindContainer, d.Kind)
	}
	if strings.TrimSpace(d.Target) == "" {
		return fmt.Errorf("target must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("port %d out of range [1,65535]", d.Port)
	}
	return nil
}

// stripJSONFence removes a leading ```json and trailing ``` fence, if
// the judge wrapped its reply in one despite the JSON-object response
// format.
func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

const judgeSystemPrompt = `You are a routing judge for a local development reverse proxy.
You are given a hostname ending in .localhost, a live inventory of locally
running processes and containers, and the proxy's current hostname mappings.
Reply with a single JSON object: {"kind": "process"|"container", "target": string,
"port": number, "rationale": string, "workdir": string (optional, process only),
"command_regex": string (optional, process only)}. Pick the single best match.
Do not include any text outside the JSON object.`

func buildHostnamePrompt(host, userHint string, inv model.InventorySnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hostname to resolve: %s\n\n", host)
	if userHint != "" {
		fmt.Fprintf(&b, "User hint: %s\n\n", userHint)
	}
	writeInventory(&b, inv)
	return b.String()
}

func buildRelatedPrompt(originHost string, originMapping *model.RouteMapping, service, userHint string, inv model.InventorySnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Origin hostname: %s\n", originHost)
	if originMapping != nil {
		fmt.Fprintf(&b, "Origin is currently mapped to: %s kind=%s target=%s port=%d\n",
			originHost, originMapping.Kind, originMapping.Target, originMapping.Port)
	}
	fmt.Fprintf(&b, "Requested related service name: %s\n\n", service)
	if userHint != "" {
		fmt.Fprintf(&b, "User hint: %s\n\n", userHint)
	}
	writeInventory(&b, inv)
	return b.String()
}

func writeInventory(b *strings.Builder, inv model.InventorySnapshot) {
	b.WriteString("== Listening processes ==\n")
	if len(inv.Processes) == 0 {
		b.WriteString("(none)\n")
	}
	for _, p := range inv.Processes {
		fmt.Fprintf(b, "- pid=%d port=%d bind=%s workdir=%s command=%s args=%s\n",
			p.PID, p.Port, p.BindAddress, p.Workdir, p.Command, strings.Join(p.Args, " "))
	}

	b.WriteString("\n== Running containers ==\n")
	if len(inv.Containers) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range inv.Containers {
		var pubs []string
		for _, pm := range c.PublishedMappings {
			pubs = append(pubs, fmt.Sprintf("%d->%s:%d", pm.ContainerPort, pm.HostIP, pm.HostPort))
		}
		fmt.Fprintf(b, "- name=%s image=%s exposed=%v published=[%s] network_ip=%s network=%s workdir=%s\n",
			c.Name, c.Image, c.ExposedPorts, strings.Join(pubs, ","), c.NetworkIP, c.NetworkName, c.Workdir)
	}

	b.WriteString("\n== Current mappings ==\n")
	if len(inv.Mappings) == 0 {
		b.WriteString("(none)\n")
	}
	for host, m := range inv.Mappings {
		fmt.Fprintf(b, "- %s -> kind=%s target=%s port=%s\n", host, m.Kind, m.Target, strconv.Itoa(m.Port))
	}
}
