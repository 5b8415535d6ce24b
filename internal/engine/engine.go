// Package engine defines the interface to the external inference
// engine and an HTTP client for it. The models themselves live behind
// that interface; this service only brokers access to them.
package engine

import (
	"context"
	"errors"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrUnavailable = errors.New("inference engine unavailable")
)

// InferRequest carries one tool invocation.
type InferRequest struct {
	Tool    string            `json:"tool"`
	Payload string            `json:"payload"`
	Params  map[string]string `json:"params,omitempty"`
}

// Result is the structured outcome of an inference call.
type Result struct {
	Tool   string         `json:"tool"`
	Model  string         `json:"model,omitempty"`
	Output map[string]any `json:"output"`
}

// Engine is the external collaborator that actually runs the models.
type Engine interface {
	// Infer runs the named tool on the payload.
	Infer(ctx context.Context, req InferRequest) (*Result, error)

	// Tools returns the catalog of tool names this engine serves.
	Tools() []string

	// Supports reports whether the tool is in the catalog.
	Supports(tool string) bool
}
