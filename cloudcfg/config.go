// Package cloudcfg supplies the cloud backend configuration: the
// project coordinates (API key, project id, auth domain...) the auth and
// document-store clients need. A config comes from the build, the
// environment, a file written by a previous run, or text pasted by the
// user; without a valid one the process runs guest-only.
package cloudcfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// BackendConfig identifies a cloud project. APIKey and ProjectID are
// required; unknown keys are preserved in Extra.
type BackendConfig struct {
	APIKey            string            `json:"apiKey" yaml:"apiKey"`
	AuthDomain        string            `json:"authDomain,omitempty" yaml:"authDomain"`
	ProjectID         string            `json:"projectId" yaml:"projectId"`
	StorageBucket     string            `json:"storageBucket,omitempty" yaml:"storageBucket"`
	MessagingSenderID string            `json:"messagingSenderId,omitempty" yaml:"messagingSenderId"`
	AppID             string            `json:"appId,omitempty" yaml:"appId"`
	MeasurementID     string            `json:"measurementId,omitempty" yaml:"measurementId"`
	Extra             map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// ErrorKind classifies a ConfigError.
type ErrorKind int

const (
	MalformedInput ErrorKind = iota + 1
	MissingRequiredField
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedInput:
		return "malformed_input"
	case MissingRequiredField:
		return "missing_required_field"
	}
	return "unknown"
}

// ConfigError reports why a config was refused.
type ConfigError struct {
	Kind  ErrorKind
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case MissingRequiredField:
		return fmt.Sprintf("cloudcfg: missing required field %s", e.Field)
	default:
		if e.Err != nil {
			return fmt.Sprintf("cloudcfg: malformed config: %v", e.Err)
		}
		return "cloudcfg: malformed config"
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// UserMessage is the text shown next to the config input.
func (e *ConfigError) UserMessage() string {
	if e.Kind == MissingRequiredField {
		return "Invalid config: missing apiKey or projectId"
	}
	return "Invalid JSON format. Please paste the Firebase Config object."
}

// IsKind reports whether err is a *ConfigError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var ce *ConfigError
	return errors.As(err, &ce) && ce.Kind == k
}

// Validate checks the required fields.
func (c BackendConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return &ConfigError{Kind: MissingRequiredField, Field: "apiKey"}
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		return &ConfigError{Kind: MissingRequiredField, Field: "projectId"}
	}
	return nil
}

// ResolvedAuthDomain returns AuthDomain, defaulting to the project's
// hosted domain.
func (c BackendConfig) ResolvedAuthDomain() string {
	if c.AuthDomain != "" {
		return c.AuthDomain
	}
	return c.ProjectID + ".firebaseapp.com"
}

// Parse reads pasted or stored config text and validates it.
func Parse(text string) (BackendConfig, error) {
	fields, err := parseLoose(text)
	if err != nil {
		return BackendConfig{}, err
	}
	cfg := fromFields(fields)
	if err := cfg.Validate(); err != nil {
		return BackendConfig{}, err
	}
	return cfg, nil
}

func fromFields(fields map[string]any) BackendConfig {
	var c BackendConfig
	known := map[string]*string{
		"apiKey":            &c.APIKey,
		"authDomain":        &c.AuthDomain,
		"projectId":         &c.ProjectID,
		"storageBucket":     &c.StorageBucket,
		"messagingSenderId": &c.MessagingSenderID,
		"appId":             &c.AppID,
		"measurementId":     &c.MeasurementID,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if nested, ok := fields[k].(map[string]any); ok && k == "extra" {
			for nk, nv := range nested {
				if c.Extra == nil {
					c.Extra = make(map[string]string)
				}
				c.Extra[nk] = scalar(nv)
			}
			continue
		}
		s := scalar(fields[k])
		if dst, ok := known[k]; ok {
			*dst = strings.TrimSpace(s)
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]string)
		}
		c.Extra[k] = s
	}
	return c
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64, int64, bool, json.Number:
		return fmt.Sprint(x)
	default:
		data, _ := json.Marshal(x)
		return string(data)
	}
}
