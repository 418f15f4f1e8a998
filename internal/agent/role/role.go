// Package role provides the built-in agent roles. Each role is a task
// processor that prompts the reasoner with a role-specific instruction and
// folds the answer into the task result. The reasoner call runs behind a
// circuit breaker so a degraded backend trips fast instead of piling up
// timeouts.
package role

import (
	"context"
	"fmt"
	"time"

	"github.com/foremanhq/foreman/internal/agent"
	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/domain/task"
	"github.com/foremanhq/foreman/internal/port/reasoner"
	"github.com/foremanhq/foreman/internal/resilience"
)

// Built-in agent types.
const (
	TypeBusinessAnalyst = "business_analyst"
	TypeArchitect       = "architect"
	TypeDeveloper       = "developer"
	TypeCodeReview      = "code_review"
	TypeQA              = "qa"
	TypeSecurity        = "security"
	TypeDevOps          = "devops"
	TypeSupervisor      = "supervisor"
)

// prompts maps each built-in type to its role instruction. The task type and
// input are appended by the processor.
var prompts = map[string]string{
	TypeBusinessAnalyst: "You are a business analyst. Turn the request into concrete requirements and user stories.",
	TypeArchitect:       "You are a software architect. Produce a technical design for the requirements.",
	TypeDeveloper:       "You are a software developer. Implement the task described below.",
	TypeCodeReview:      "You are a code reviewer. Review the work for correctness, clarity and style.",
	TypeQA:              "You are a QA engineer. Design and evaluate tests for the work described below.",
	TypeSecurity:        "You are a security engineer. Audit the work for vulnerabilities and unsafe patterns.",
	TypeDevOps:          "You are a devops engineer. Prepare deployment and operational steps for the work.",
	TypeSupervisor:      "You are a supervisor. Break the request into subtasks and assign them to roles.",
}

// Options tunes role construction.
type Options struct {
	// BreakerMaxFailures trips the circuit after this many consecutive
	// reasoner failures. Zero disables the breaker.
	BreakerMaxFailures int
	// BreakerTimeout is how long a tripped circuit stays open.
	BreakerTimeout time.Duration
}

// Types lists the built-in agent types.
func Types() []string {
	return []string{
		TypeBusinessAnalyst, TypeArchitect, TypeDeveloper, TypeCodeReview,
		TypeQA, TypeSecurity, TypeDevOps, TypeSupervisor,
	}
}

// Known reports whether agentType is a built-in role.
func Known(agentType string) bool {
	_, ok := prompts[agentType]
	return ok
}

// NewProcessor builds the processor for a built-in agent type.
func NewProcessor(agentType string, r reasoner.Reasoner, opts Options) (agent.Processor, error) {
	prompt, ok := prompts[agentType]
	if !ok {
		return nil, fmt.Errorf("agent type %q: %w", agentType, domain.ErrUnknownAgentType)
	}

	var breaker *resilience.Breaker
	if opts.BreakerMaxFailures > 0 {
		breaker = resilience.NewBreaker(opts.BreakerMaxFailures, opts.BreakerTimeout)
	}

	return &processor{role: agentType, prompt: prompt, reasoner: r, breaker: breaker}, nil
}

type processor struct {
	role     string
	prompt   string
	reasoner reasoner.Reasoner
	breaker  *resilience.Breaker
}

func (p *processor) Process(ctx context.Context, t *task.Task) (map[string]any, error) {
	promptCtx := map[string]any{"task_type": t.Type}
	for k, v := range t.Input {
		promptCtx[k] = v
	}

	var answer string
	think := func() error {
		var err error
		answer, err = p.reasoner.Think(ctx, p.prompt, promptCtx)
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(think)
	} else {
		err = think()
	}
	if err != nil {
		return nil, fmt.Errorf("role %s: %w", p.role, err)
	}

	return map[string]any{
		"role":   p.role,
		"output": answer,
	}, nil
}
