// Package registry tracks live agents and routes work to the best candidate.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/foremanhq/foreman/internal/agent"
	"github.com/foremanhq/foreman/internal/bus"
	"github.com/foremanhq/foreman/internal/domain"
	"github.com/foremanhq/foreman/internal/domain/message"
)

// Status summarizes the registry for operators.
type Status struct {
	TotalAgents      int                    `json:"total_agents"`
	AvailableCount   int                    `json:"available_count"`
	StateTransitions uint64                 `json:"state_transitions"`
	ByType           map[string]int         `json:"by_type"`
	ByState          map[agent.State]int    `json:"by_state"`
	Agents           map[string]agent.State `json:"agents"`
}

// Registry is a thread-safe agent directory. When built with a bus, it wires
// each registered agent's inbox subscription and tears it down on
// unregistration.
type Registry struct {
	bus bus.Bus

	mu     sync.RWMutex
	agents map[string]*agent.Agent
	// order preserves registration order for deterministic tie-breaks.
	order []string
	// transitions counts observed agent state changes across all agents.
	transitions uint64
}

// New builds a registry. bus may be nil when messaging is wired elsewhere.
func New(b bus.Bus) *Registry {
	return &Registry{
		bus:    b,
		agents: make(map[string]*agent.Agent),
	}
}

// Register adds an agent. Registering an id twice is an error.
func (r *Registry) Register(a *agent.Agent) error {
	r.mu.Lock()
	if _, ok := r.agents[a.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already registered", a.ID())
	}
	r.agents[a.ID()] = a
	r.order = append(r.order, a.ID())
	r.mu.Unlock()

	if r.bus != nil {
		// Direct traffic goes through the direct handler only; the
		// subscription is for broadcasts. An unfiltered subscription would
		// hand the same direct message to the agent twice.
		r.bus.Subscribe(a.ID(), a.ReceiveMessage, bus.Filter{Types: []message.Type{message.TypeBroadcast}})
		r.bus.RegisterDirectHandler(a.ID(), a.ReceiveMessage)
	}
	a.RegisterStateCallback(r.observeState)
	slog.Info("agent registered", "agent_id", a.ID(), "type", a.Type())
	return nil
}

// observeState is attached to every registered agent so the registry sees
// lifecycle churn without polling.
func (r *Registry) observeState(agentID string, from, to agent.State) {
	r.mu.Lock()
	r.transitions++
	r.mu.Unlock()
	slog.Debug("agent state changed", "agent_id", agentID, "from", from, "to", to)
}

// Unregister removes an agent and its bus subscription.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	if _, ok := r.agents[agentID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("unregister agent %s: %w", agentID, domain.ErrNotFound)
	}
	delete(r.agents, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Unsubscribe(agentID)
	}
	slog.Info("agent unregistered", "agent_id", agentID)
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(agentID string) (*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return a, nil
}

// All returns every registered agent in registration order.
func (r *Registry) All() []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// GetByType returns agents of the given type in registration order.
func (r *Registry) GetByType(agentType string) []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*agent.Agent
	for _, id := range r.order {
		if a := r.agents[id]; a.Type() == agentType {
			out = append(out, a)
		}
	}
	return out
}

// GetAvailable returns available agents of the given type in registration
// order. An empty type matches all agents.
func (r *Registry) GetAvailable(agentType string) []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*agent.Agent
	for _, id := range r.order {
		a := r.agents[id]
		if agentType != "" && a.Type() != agentType {
			continue
		}
		if a.IsAvailable() {
			out = append(out, a)
		}
	}
	return out
}

// GetRanked returns the available agents of the given type ordered by load
// score, best first. The score weighs reliability far above speed; ties keep
// registration order.
func (r *Registry) GetRanked(agentType string) []*agent.Agent {
	candidates := r.GetAvailable(agentType)
	sort.SliceStable(candidates, func(i, j int) bool {
		return Score(candidates[i].MetricsSnapshot()) < Score(candidates[j].MetricsSnapshot())
	})
	return candidates
}

// GetBest returns the available agent of the given type with the lowest load
// score, or nil when none is available.
func (r *Registry) GetBest(agentType string) *agent.Agent {
	ranked := r.GetRanked(agentType)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}

// Score converts an agent's metrics into a routing score. Lower is better.
// Failure rate dominates: a single failure in ten tasks outweighs seconds of
// average latency.
func Score(m agent.MetricsSnapshot) float64 {
	return 100*m.FailureRate + 0.1*m.AvgProcessingSeconds
}

// Status returns aggregate counts for the registry.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Status{
		TotalAgents:      len(r.agents),
		StateTransitions: r.transitions,
		ByType:           make(map[string]int),
		ByState:          make(map[agent.State]int),
		Agents:           make(map[string]agent.State),
	}
	for _, a := range r.agents {
		st := a.State()
		s.ByType[a.Type()]++
		s.ByState[st]++
		s.Agents[a.ID()] = st
		if a.IsAvailable() {
			s.AvailableCount++
		}
	}
	return s
}
