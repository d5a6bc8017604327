package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/toolmesh/gateway/internal/domain/catalog"
)

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUpstreamServers(); err != nil {
		return err
	}

	return nil
}

// validateUpstreamServers enforces the transport tagged-union: the struct
// field matching Kind must be populated, the other must be absent, and every
// ID must be unique (spec.md §3 invariant: servers are keyed by ID).
func (c *Config) validateUpstreamServers() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}

		switch s.Kind {
		case string(catalog.TransportStreamHTTP):
			if s.HTTP == nil {
				return fmt.Errorf("servers[%d] (%s): kind=stream-http requires an http block", i, s.ID)
			}
			if s.Stdio != nil {
				return fmt.Errorf("servers[%d] (%s): kind=stream-http must not set a stdio block", i, s.ID)
			}
		case string(catalog.TransportStdio):
			if s.Stdio == nil {
				return fmt.Errorf("servers[%d] (%s): kind=stdio requires a stdio block", i, s.ID)
			}
			if s.HTTP != nil {
				return fmt.Errorf("servers[%d] (%s): kind=stdio must not set an http block", i, s.ID)
			}
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
