package role

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/domain/task"
	"github.com/foremanhq/foreman/internal/resilience"
)

type stubReasoner struct {
	answer string
	err    error
	calls  int
}

func (s *stubReasoner) Think(context.Context, string, map[string]any) (string, error) {
	s.calls++
	return s.answer, s.err
}

func (s *stubReasoner) ThinkStructured(context.Context, string, any) error {
	return s.err
}

func TestNewProcessorUnknownType(t *testing.T) {
	if _, err := NewProcessor("astrologer", &stubReasoner{}, Options{}); !errors.Is(err, domain.ErrUnknownAgentType) {
		t.Fatalf("err = %v, want ErrUnknownAgentType", err)
	}
}

func TestAllBuiltinTypesConstruct(t *testing.T) {
	for _, typ := range Types() {
		if !Known(typ) {
			t.Fatalf("type %s not known", typ)
		}
		if _, err := NewProcessor(typ, &stubReasoner{}, Options{}); err != nil {
			t.Fatalf("type %s: %v", typ, err)
		}
	}
}

func TestProcessReturnsRoleOutput(t *testing.T) {
	r := &stubReasoner{answer: "design doc"}
	p, err := NewProcessor(TypeArchitect, r, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := p.Process(context.Background(), task.New("design", map[string]any{"feature": "auth"}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result["role"] != TypeArchitect || result["output"] != "design doc" {
		t.Fatalf("result = %v", result)
	}
}

func TestBreakerTripsAfterFailures(t *testing.T) {
	r := &stubReasoner{err: errors.New("backend down")}
	p, err := NewProcessor(TypeDeveloper, r, Options{BreakerMaxFailures: 2, BreakerTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Process(ctx, task.New("work", nil)); err == nil {
			t.Fatal("expected failure")
		}
	}
	calls := r.calls

	_, err = p.Process(ctx, task.New("work", nil))
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if r.calls != calls {
		t.Fatal("open circuit should not reach the reasoner")
	}
}
