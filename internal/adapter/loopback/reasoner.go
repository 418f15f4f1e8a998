// Package loopback implements the reasoner port with a deterministic local
// stand-in. It lets the orchestrator run end to end without an external
// reasoning backend; swap it for a real adapter in production wiring.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Reasoner answers every prompt with a short acknowledgment that folds in
// the supplied context keys.
type Reasoner struct{}

// New returns a loopback reasoner.
func New() *Reasoner { return &Reasoner{} }

func (*Reasoner) Think(_ context.Context, prompt string, promptContext map[string]any) (string, error) {
	keys := make([]string, 0, len(promptContext))
	for k := range promptContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("ack: ")
	if i := strings.IndexByte(prompt, '.'); i > 0 {
		b.WriteString(prompt[:i])
	} else {
		b.WriteString(prompt)
	}
	if len(keys) > 0 {
		fmt.Fprintf(&b, " [context: %s]", strings.Join(keys, ", "))
	}
	return b.String(), nil
}

func (r *Reasoner) ThinkStructured(ctx context.Context, prompt string, out any) error {
	text, err := r.Think(ctx, prompt, nil)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]string{"answer": text})
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
