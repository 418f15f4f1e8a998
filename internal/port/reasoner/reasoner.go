// Package reasoner defines the port for the external reasoning capability
// backing agent roles. The engine treats it as an opaque call that may fail
// and whose latency is unbounded; the actual LLM invocation lives outside
// the core.
package reasoner

import "context"

// Reasoner produces free-form or structured output for a prompt.
type Reasoner interface {
	// Think returns a text completion for the prompt. Extra context key/value
	// pairs are folded into the prompt by the implementation.
	Think(ctx context.Context, prompt string, promptContext map[string]any) (string, error)

	// ThinkStructured unmarshals a structured completion into out, which
	// must be a pointer to the expected shape.
	ThinkStructured(ctx context.Context, prompt string, out any) error
}
