package services

import (
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectServiceType(t *testing.T) {
	tests := []struct {
		endpoint string
		want     AgentServiceType
		ok       bool
	}{
		{"https://x.example/agents/summary", ServiceSummary, true},
		{"https://x.example/SUMMARY", ServiceSummary, true},
		{"https://x.example/agents/code-audit", ServiceCodeAudit, true},
		{"https://x.example/codeaudit", ServiceCodeAudit, true},
		{"https://x.example/audit", ServiceCodeAudit, true},
		{"https://x.example/agents/Orchestrator", ServiceOrchestrator, true},
		{"https://x.example/agents/translate", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := DetectServiceType(tt.endpoint)
		assert.Equal(t, tt.ok, ok, tt.endpoint)
		assert.Equal(t, tt.want, got, tt.endpoint)
	}
}

func TestRegistry(t *testing.T) {
	all := All()
	require.Len(t, all, 3)
	assert.Equal(t, ServiceCodeAudit, all[0].Type)

	svc, ok := Lookup(ServiceSummary)
	require.True(t, ok)
	assert.Equal(t, "/agents/summary/summarize", svc.ActionPath)
	assert.Equal(t, "$0.001", svc.Price)

	for _, s := range all {
		units, err := AtomicPrice(s.Price)
		require.NoError(t, err)
		assert.Equal(t, s.Price, FormatPrice(units))
	}
}

func TestAtomicPrice(t *testing.T) {
	units, err := AtomicPrice("$0.005")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5000), units)

	_, err = AtomicPrice("$0.0000001")
	assert.Error(t, err)
	_, err = AtomicPrice("free")
	assert.Error(t, err)
}

func TestResolveChatBuiltIn(t *testing.T) {
	route, ok := ResolveChat(Agent{Endpoint: "https://agents.example/orchestrator", AgentURI: `{"persona":"ignored"}`})
	require.True(t, ok)
	assert.Equal(t, "/agents/orchestrator/chat", route.Path)
	assert.Equal(t, "$0.01", route.Price)
	assert.Nil(t, route.ExtraBody)
	require.NotNil(t, route.Service)
	assert.Equal(t, ServiceOrchestrator, route.Service.Type)
}

func TestResolveChatPersona(t *testing.T) {
	tests := []struct {
		price     string
		wantPrice string
	}{
		{"0.05", "0.05"},
		{"0.01", "0.01"},
		{"0.001", "0.01"},
		{"", "0.01"},
		{"abc", "0.01"},
	}
	for _, tt := range tests {
		uri, err := BuildAgentURI(RegistrationOptions{Name: "Bob", Persona: "pirate", Price: tt.price})
		require.NoError(t, err)

		route, ok := ResolveChat(Agent{Endpoint: "https://agents.example/bob", AgentURI: uri})
		require.True(t, ok)
		assert.Equal(t, GenericChatPath, route.Path)
		assert.Equal(t, "$"+tt.wantPrice, route.Price)
		assert.Equal(t, map[string]any{"persona": "pirate", "price": tt.wantPrice}, route.ExtraBody)
	}
}

func TestResolveChatUnavailable(t *testing.T) {
	_, ok := ResolveChat(Agent{Endpoint: "https://agents.example/bob", AgentURI: `{"name":"Bob"}`})
	assert.False(t, ok)
}

func TestParseAgentURI(t *testing.T) {
	fixed := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	uri, err := BuildAgentURI(RegistrationOptions{
		Name:        "Summarizer",
		Description: "Summarizes text",
		Category:    "nlp",
		Persona:     "concise",
		Price:       "0.02",
		WebEndpoint: "https://clawnad.example",
		Now:         fixed,
	})
	require.NoError(t, err)

	meta := ParseAgentURI(uri)
	assert.Equal(t, AgentMetadata{
		Name:        "Summarizer",
		Description: "Summarizes text",
		Persona:     "concise",
		Price:       "0.02",
		Skills:      []string{"nlp"},
	}, meta)
}

func TestParseAgentURILegacyAndMalformed(t *testing.T) {
	legacy := ParseAgentURI(`{"name":"Old","price":5,"skills":["a",1,"b"]}`)
	assert.Equal(t, "Old", legacy.Name)
	assert.Empty(t, legacy.Price)
	assert.Equal(t, []string{"a", "b"}, legacy.Skills)

	assert.Equal(t, AgentMetadata{}, ParseAgentURI(""))
	assert.Equal(t, AgentMetadata{}, ParseAgentURI("ipfs://Qm123"))
	assert.Equal(t, AgentMetadata{}, ParseAgentURI(`"just a string"`))
	assert.Equal(t, AgentMetadata{}, ParseAgentURI(dataURIPrefix+"!!!"))

	// A data URI that is not base64 JSON is still tried as raw JSON.
	bad := dataURIPrefix + base64.StdEncoding.EncodeToString([]byte("nope"))
	assert.Equal(t, AgentMetadata{}, ParseAgentURI(bad))
}
