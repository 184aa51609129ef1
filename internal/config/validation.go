package config

import (
	"fmt"
	"strings"

	"github.com/ConvoSphere/metamcp/internal/transport"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string) {
	*ve = append(*ve, ValidationError{Field: field, Message: message})
}

var validBalancers = map[string]bool{
	"":                    true,
	"round_robin":         true,
	"least_recently_used": true,
	"weighted":            true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the whole configuration and collects every problem
// instead of stopping at the first one.
func (c Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.Add("server.port", fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Health.ProbeInterval <= 0 {
		errs.Add("health.probeInterval", "must be positive")
	}
	if c.Health.ProbeTimeout <= 0 {
		errs.Add("health.probeTimeout", "must be positive")
	}
	if c.Health.ProbeTimeout >= c.Health.ProbeInterval {
		errs.Add("health.probeTimeout", "must be shorter than the probe interval")
	}
	if c.Health.FailureThreshold < 1 {
		errs.Add("health.failureThreshold", "must be at least 1")
	}
	if c.Health.GracePeriod <= 0 {
		errs.Add("health.gracePeriod", "must be positive")
	}
	if c.Dispatch.Deadline <= 0 {
		errs.Add("dispatch.deadline", "must be positive")
	}
	if !validBalancers[c.Dispatch.Balancer] {
		errs.Add("dispatch.balancer", fmt.Sprintf("unknown policy %q", c.Dispatch.Balancer))
	}
	if !validLogLevels[c.Logging.Level] {
		errs.Add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}

	switch c.TokenStore.Backend {
	case TokenStoreMemory:
	case TokenStoreFile:
		if c.TokenStore.Path == "" {
			errs.Add("tokenStore.path", "is required for the file backend")
		}
		if c.TokenStore.MasterKeyEnv == "" {
			errs.Add("tokenStore.masterKeyEnv", "is required for the file backend")
		}
	default:
		errs.Add("tokenStore.backend", fmt.Sprintf("must be %q or %q, got %q", TokenStoreMemory, TokenStoreFile, c.TokenStore.Backend))
	}

	seen := map[string]bool{}
	for i, provider := range c.OAuth.Providers {
		prefix := fmt.Sprintf("oauth.providers[%d]", i)
		if provider.ID == "" {
			errs.Add(prefix+".id", "is required")
		} else if seen[provider.ID] {
			errs.Add(prefix+".id", fmt.Sprintf("duplicate provider %q", provider.ID))
		}
		seen[provider.ID] = true
		if provider.ClientID == "" {
			errs.Add(prefix+".clientId", "is required")
		}
		if provider.AuthURL == "" {
			errs.Add(prefix+".authUrl", "is required")
		}
		if provider.TokenURL == "" {
			errs.Add(prefix+".tokenUrl", "is required")
		}
		if provider.RedirectURL == "" {
			errs.Add(prefix+".redirectUrl", "is required")
		}
		if len(provider.AllowedScopes) == 0 {
			errs.Add(prefix+".allowedScopes", "must list at least one scope")
		}
	}

	for i, target := range c.Discovery.Sweep {
		prefix := fmt.Sprintf("discovery.sweep[%d]", i)
		errs = append(errs, validateEndpoint(prefix, target.Kind, target.URL, target.Command)...)
	}

	return errs
}

// Validate checks one backend definition.
func (d BackendDefinition) Validate() ValidationErrors {
	var errs ValidationErrors
	if d.Name == "" {
		errs.Add("name", "is required")
	}
	if len(d.Capabilities) == 0 {
		errs.Add("capabilities", "must list at least one capability")
	}
	errs = append(errs, validateEndpoint("", d.Kind, d.URL, d.Command)...)
	return errs
}

func validateEndpoint(prefix, kind, url, command string) ValidationErrors {
	field := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}

	var errs ValidationErrors
	switch transport.Kind(kind) {
	case transport.KindHTTP, transport.KindWebSocket:
		if url == "" {
			errs.Add(field("url"), fmt.Sprintf("is required for kind %q", kind))
		}
	case transport.KindStdio:
		if command == "" {
			errs.Add(field("command"), "is required for kind \"stdio\"")
		}
	default:
		errs.Add(field("kind"), fmt.Sprintf("must be http, websocket or stdio, got %q", kind))
	}
	return errs
}
