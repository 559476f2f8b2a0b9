package browser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// LoginFlow is a backend-provided recipe for logging into a platform.
type LoginFlow struct {
	Platform          string   `json:"platform"`
	DisplayName       string   `json:"display_name,omitempty"`
	LoginURL          string   `json:"login_url"`
	SuccessURLPattern string   `json:"success_url_pattern"`
	CredentialFields  []string `json:"credential_fields,omitempty"`
	Steps             []Step   `json:"steps"`
}

const (
	StepWait           = "wait"
	StepInput          = "input"
	StepClick          = "click"
	StepCheckChallenge = "check_challenge"
)

// Step is one action of a login flow.
type Step struct {
	ID               string         `json:"id,omitempty"`
	Type             string         `json:"type"`
	Selector         string         `json:"selector,omitempty"`
	SelectorFallback string         `json:"selector_fallback,omitempty"`
	FindText         string         `json:"find_text,omitempty"`
	CredentialField  string         `json:"credential_field,omitempty"`
	PressEnter       bool           `json:"press_enter,omitempty"`
	Optional         bool           `json:"optional,omitempty"`
	WaitSeconds      float64        `json:"wait_seconds,omitempty"`
	Challenge        *ChallengeSpec `json:"challenge,omitempty"`
}

// ChallengeSpec describes how to detect and answer a login challenge.
type ChallengeSpec struct {
	Selector    string `json:"selector"`
	Prompt      string `json:"prompt,omitempty"`
	SubmitText  string `json:"submit_text,omitempty"`
	SubmitEnter bool   `json:"submit_enter,omitempty"`
}

// Succeeded reports whether a page URL matches the flow's success pattern.
func (f LoginFlow) Succeeded(url string) bool {
	return strings.Contains(strings.ToLower(url), strings.ToLower(f.SuccessURLPattern))
}

// Credentials returns the credential field names the flow asks for.
func (f LoginFlow) Credentials() []string {
	if len(f.CredentialFields) == 0 {
		return []string{"username", "password"}
	}
	return f.CredentialFields
}

// Name is the display name, falling back to the platform key.
func (f LoginFlow) Name() string {
	if f.DisplayName != "" {
		return f.DisplayName
	}
	return f.Platform
}

const loginFlowSchema = `{
  "type": "object",
  "required": ["platform", "login_url", "success_url_pattern", "steps"],
  "properties": {
    "platform": {"type": "string", "minLength": 1},
    "display_name": {"type": "string"},
    "login_url": {"type": "string", "pattern": "^https?://"},
    "success_url_pattern": {"type": "string", "minLength": 1},
    "credential_fields": {"type": "array", "items": {"type": "string"}},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "id": {"type": "string"},
          "type": {"enum": ["wait", "input", "click", "check_challenge"]},
          "selector": {"type": "string"},
          "selector_fallback": {"type": "string"},
          "find_text": {"type": "string"},
          "credential_field": {"type": "string"},
          "press_enter": {"type": "boolean"},
          "optional": {"type": "boolean"},
          "wait_seconds": {"type": "number", "minimum": 0, "maximum": 120},
          "challenge": {
            "type": "object",
            "required": ["selector"],
            "properties": {
              "selector": {"type": "string", "minLength": 1},
              "prompt": {"type": "string"},
              "submit_text": {"type": "string"},
              "submit_enter": {"type": "boolean"}
            }
          }
        }
      }
    }
  }
}`

var flowSchema = mustSchema(loginFlowSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("browser: invalid login flow schema: %v", err))
	}
	return schema
}

// ParseLoginFlows reads platform_config.browser.login_flows. Flows that do
// not match the schema are skipped with a warning.
func ParseLoginFlows(browserConfig map[string]any) map[string]LoginFlow {
	flows := make(map[string]LoginFlow)
	raw, ok := browserConfig["login_flows"].([]any)
	if !ok {
		return flows
	}
	for i, item := range raw {
		flow, err := parseLoginFlow(item)
		if err != nil {
			slog.Warn("skipping invalid login flow", "index", i, "error", err)
			continue
		}
		flows[flow.Platform] = flow
	}
	return flows
}

func parseLoginFlow(item any) (LoginFlow, error) {
	result, err := flowSchema.Validate(gojsonschema.NewGoLoader(item))
	if err != nil {
		return LoginFlow{}, fmt.Errorf("validate login flow: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.Field()+": "+desc.Description())
		}
		return LoginFlow{}, fmt.Errorf("login flow does not match schema: %s", strings.Join(msgs, "; "))
	}

	data, err := json.Marshal(item)
	if err != nil {
		return LoginFlow{}, err
	}
	var flow LoginFlow
	if err := json.Unmarshal(data, &flow); err != nil {
		return LoginFlow{}, fmt.Errorf("decode login flow: %w", err)
	}
	return flow, nil
}
