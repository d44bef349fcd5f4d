package services

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const dataURIPrefix = "data:application/json;base64,"

// AgentRegistrationType tags agent metadata documents.
const AgentRegistrationType = "erc8004-agent-registration-v1"

// AgentMetadata is the subset of an agent URI document clients read.
type AgentMetadata struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Image       string   `json:"image,omitempty"`
	Persona     string   `json:"persona,omitempty"`
	Price       string   `json:"price,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}

// ParseAgentURI reads a base64 JSON data URI or a legacy raw JSON string.
// Malformed input yields an empty value. Fields of the wrong type are
// dropped individually.
func ParseAgentURI(uri string) AgentMetadata {
	if uri == "" {
		return AgentMetadata{}
	}

	var obj map[string]any
	if strings.HasPrefix(uri, dataURIPrefix) {
		if raw, err := base64.StdEncoding.DecodeString(uri[len(dataURIPrefix):]); err == nil {
			_ = json.Unmarshal(raw, &obj)
		}
	}
	if obj == nil {
		_ = json.Unmarshal([]byte(uri), &obj)
	}
	if obj == nil {
		return AgentMetadata{}
	}

	meta := AgentMetadata{
		Name:        stringField(obj, "name"),
		Description: stringField(obj, "description"),
		Image:       stringField(obj, "image"),
		Persona:     stringField(obj, "persona"),
		Price:       stringField(obj, "price"),
	}
	if skills, ok := obj["skills"].([]any); ok {
		meta.Skills = []string{}
		for _, s := range skills {
			if str, ok := s.(string); ok {
				meta.Skills = append(meta.Skills, str)
			}
		}
	}
	return meta
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// AgentRegistration is the document BuildAgentURI encodes.
type AgentRegistration struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Image       string         `json:"image,omitempty"`
	Services    []AgentWebLink `json:"services"`
	Skills      []string       `json:"skills"`
	CreatedAt   string         `json:"createdAt"`
	Version     string         `json:"version"`
	Persona     string         `json:"persona,omitempty"`
	Price       string         `json:"price,omitempty"`
}

type AgentWebLink struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// RegistrationOptions are the inputs of BuildAgentURI.
type RegistrationOptions struct {
	Name        string
	Description string
	Image       string
	Category    string
	Persona     string
	Price       string
	WebEndpoint string
	Now         func() time.Time
}

// BuildAgentURI encodes agent metadata as a base64 JSON data URI.
func BuildAgentURI(opts RegistrationOptions) (string, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	reg := AgentRegistration{
		Type:        AgentRegistrationType,
		Name:        opts.Name,
		Description: opts.Description,
		Image:       opts.Image,
		Services:    []AgentWebLink{},
		Skills:      []string{},
		CreatedAt:   now().UTC().Format(time.RFC3339),
		Version:     "1.0.0",
		Persona:     opts.Persona,
		Price:       opts.Price,
	}
	if opts.WebEndpoint != "" {
		reg.Services = append(reg.Services, AgentWebLink{Type: "web", Endpoint: opts.WebEndpoint})
	}
	if opts.Category != "" {
		reg.Skills = append(reg.Skills, opts.Category)
	}

	data, err := json.Marshal(reg)
	if err != nil {
		return "", err
	}
	return dataURIPrefix + base64.StdEncoding.EncodeToString(data), nil
}
