// Package connection builds the wire configuration sent to the LLM RPC and
// the frozen, non-secret snapshot recorded against each Response row.
//
// Grounded on original_source/server/utils/llm_config_formatter.py, the
// original "single source of truth" for connection-to-wire-config
// formatting; BuildCompleteURL below is a direct port of its
// build_complete_url, including its URL/port merge quirks.
package connection

import (
	"fmt"
	"strings"
)

// WireConfig is what gets POSTed to the LLM RPC (§6).
type WireConfig struct {
	ProviderType string `json:"provider_type"`
	BaseURL      string `json:"base_url"`
	ModelName    string `json:"model_name"`
	APIKey       string `json:"api_key,omitempty"`
}

// Input collects the fields needed to format a WireConfig, independent of
// the catalog.Connection struct so this package stays free of a catalog
// import.
type Input struct {
	ProviderType string
	BaseURL      string
	Port         *int
	ModelName    string
	APIKey       string
}

// Format builds the wire configuration for a connection, applying the same
// defaults and fallbacks as the original formatter: provider_type defaults
// to "ollama", base_url defaults to "http://localhost", and model_name
// defaults to "default" when neither a name nor a resolvable model is given.
func Format(in Input) WireConfig {
	providerType := in.ProviderType
	if providerType == "" {
		providerType = "ollama"
	}

	baseURL := in.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost"
	}

	modelName := in.ModelName
	if modelName == "" {
		modelName = "default"
	}

	cfg := WireConfig{
		ProviderType: providerType,
		BaseURL:      BuildCompleteURL(baseURL, in.Port),
		ModelName:    modelName,
	}
	if in.APIKey != "" {
		cfg.APIKey = in.APIKey
	}
	return cfg
}

// BuildCompleteURL merges a base URL with an optional port, matching
// build_complete_url's behavior exactly, quirks included: a port embedded
// in base_url with a path after it is treated as "no port" and gets a
// second one appended.
func BuildCompleteURL(baseURL string, port *int) string {
	if baseURL == "" {
		baseURL = "http://localhost"
	}
	if port == nil || *port == 0 {
		return baseURL
	}
	portStr := fmt.Sprintf(":%d", *port)
	if strings.Contains(baseURL, portStr) {
		return baseURL
	}

	if idx := strings.Index(baseURL, "://"); idx >= 0 {
		protocol := baseURL[:idx]
		rest := baseURL[idx+3:]
		if strings.Contains(rest, ":") {
			afterColon := strings.SplitN(rest, ":", 2)[1]
			if !strings.Contains(afterColon, "/") {
				return baseURL
			}
		}
		host := strings.SplitN(rest, "/", 2)[0]
		path := ""
		if strings.Contains(rest, "/") {
			path = "/" + strings.SplitN(rest, "/", 2)[1]
		}
		return fmt.Sprintf("%s://%s%s%s", protocol, host, portStr, path)
	}

	if strings.Contains(baseURL, ":") {
		return baseURL
	}
	return baseURL + portStr
}
