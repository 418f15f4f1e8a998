package queue

import "sync"

// DependencyTracker maintains the task dependency graph and the set of
// completed tasks, gating execution until prerequisites complete.
type DependencyTracker struct {
	mu         sync.RWMutex
	deps       map[string][]string // task id -> dependency ids
	dependents map[string][]string // task id -> dependent ids
	completed  map[string]struct{}
}

// NewDependencyTracker creates an empty tracker.
func NewDependencyTracker() *DependencyTracker {
	return &DependencyTracker{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		completed:  make(map[string]struct{}),
	}
}

// Add records that taskID depends on dependsOn.
func (d *DependencyTracker) Add(taskID, dependsOn string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deps[taskID] = append(d.deps[taskID], dependsOn)
	d.dependents[dependsOn] = append(d.dependents[dependsOn], taskID)
}

// MarkCompleted records a task as completed, unblocking its dependents.
func (d *DependencyTracker) MarkCompleted(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed[taskID] = struct{}{}
}

// CanExecute reports whether every dependency of taskID is completed.
func (d *DependencyTracker) CanExecute(taskID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dep := range d.deps[taskID] {
		if _, ok := d.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// Ready filters pending ids to those whose dependencies are all completed.
func (d *DependencyTracker) Ready(pending []string) []string {
	out := make([]string, 0, len(pending))
	for _, id := range pending {
		if d.CanExecute(id) {
			out = append(out, id)
		}
	}
	return out
}

// Dependents returns the ids of tasks that depend on taskID.
func (d *DependencyTracker) Dependents(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependents[taskID]...)
}

// Clear drops all tracking state.
func (d *DependencyTracker) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deps = make(map[string][]string)
	d.dependents = make(map[string][]string)
	d.completed = make(map[string]struct{})
}
