// Package services knows the marketplace's built-in agent services and how
// to route a chat with any agent.
package services

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/clawnad/x402/utils"
)

// AgentServiceType names a built-in agent service.
type AgentServiceType string

const (
	ServiceSummary      AgentServiceType = "summary"
	ServiceCodeAudit    AgentServiceType = "code-audit"
	ServiceOrchestrator AgentServiceType = "orchestrator"
)

// USDCDecimals is the precision of the payment asset.
const USDCDecimals = 6

// AgentService describes a built-in service endpoint.
type AgentService struct {
	Type       AgentServiceType `json:"type"`
	Label      string           `json:"label"`
	ActionPath string           `json:"actionPath"`
	Price      string           `json:"price"`
	ChatPath   string           `json:"chatPath"`
	ChatPrice  string           `json:"chatPrice"`
}

var registry = map[AgentServiceType]AgentService{
	ServiceSummary: {
		Type:       ServiceSummary,
		Label:      "Text Summarizer",
		ActionPath: "/agents/summary/summarize",
		Price:      "$0.001",
		ChatPath:   "/agents/summary/chat",
		ChatPrice:  "$0.001",
	},
	ServiceCodeAudit: {
		Type:       ServiceCodeAudit,
		Label:      "Code Auditor",
		ActionPath: "/agents/code-audit/audit",
		Price:      "$0.005",
		ChatPath:   "/agents/code-audit/chat",
		ChatPrice:  "$0.005",
	},
	ServiceOrchestrator: {
		Type:       ServiceOrchestrator,
		Label:      "Orchestrator",
		ActionPath: "/agents/orchestrator/execute",
		Price:      "$0.01",
		ChatPath:   "/agents/orchestrator/chat",
		ChatPrice:  "$0.01",
	},
}

// Lookup returns the built-in service of type t.
func Lookup(t AgentServiceType) (AgentService, bool) {
	s, ok := registry[t]
	return s, ok
}

// All returns the built-in services sorted by type.
func All() []AgentService {
	out := make([]AgentService, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// DetectServiceType infers the service type from an agent endpoint URL.
func DetectServiceType(endpoint string) (AgentServiceType, bool) {
	lower := strings.ToLower(endpoint)
	switch {
	case strings.Contains(lower, "summary"):
		return ServiceSummary, true
	case strings.Contains(lower, "code-audit"),
		strings.Contains(lower, "codeaudit"),
		strings.Contains(lower, "audit"):
		return ServiceCodeAudit, true
	case strings.Contains(lower, "orchestrator"):
		return ServiceOrchestrator, true
	}
	return "", false
}

// AtomicPrice converts a display price such as "$0.005" into atomic USDC units.
func AtomicPrice(price string) (*big.Int, error) {
	amount := strings.TrimPrefix(strings.TrimSpace(price), "$")
	units, err := utils.ParseAmountWithDecimals(amount, USDCDecimals)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	return units, nil
}

// FormatPrice renders atomic USDC units as a display price.
func FormatPrice(units *big.Int) string {
	return "$" + utils.FormatAmountFromBigInt(units, USDCDecimals)
}

const (
	// GenericChatPath serves persona agents without a built-in service.
	GenericChatPath = "/api/v1/chat"

	minPersonaPrice = "0.01"
)

var minPersonaDecimal = decimal.RequireFromString(minPersonaPrice)

// Agent is the subset of an agent record chat routing needs.
type Agent struct {
	ID       string `json:"agentId"`
	Endpoint string `json:"endpoint"`
	AgentURI string `json:"agentURI"`
}

// ChatRoute says where and for how much an agent can be chatted with.
type ChatRoute struct {
	Path      string         `json:"path"`
	Price     string         `json:"price"`
	ExtraBody map[string]any `json:"extraBody,omitempty"`
	Service   *AgentService  `json:"service,omitempty"`
	Persona   string         `json:"persona,omitempty"`
}

// ResolveChat picks the chat route for agent. ok is false when the agent
// has neither a built-in service nor a persona.
func ResolveChat(agent Agent) (ChatRoute, bool) {
	if t, ok := DetectServiceType(agent.Endpoint); ok {
		svc := registry[t]
		return ChatRoute{Path: svc.ChatPath, Price: svc.ChatPrice, Service: &svc}, true
	}

	meta := ParseAgentURI(agent.AgentURI)
	if meta.Persona == "" {
		return ChatRoute{}, false
	}

	price := PersonaPrice(meta.Price)
	return ChatRoute{
		Path:    GenericChatPath,
		Price:   "$" + price,
		Persona: meta.Persona,
		ExtraBody: map[string]any{
			"persona": meta.Persona,
			"price":   price,
		},
	}, true
}

// PersonaPrice returns price when it is a number of at least 0.01, else "0.01".
func PersonaPrice(price string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil || d.LessThan(minPersonaDecimal) {
		return minPersonaPrice
	}
	return strings.TrimSpace(price)
}
