// Package arbitrator hands out opt-in resource locks for cross-agent
// contention. Waiters queue FIFO; ties between equal-priority waiters
// rotate round-robin per resource; wait cycles abort the junior request.
package arbitrator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

type waiter struct {
	agentID  string
	priority int
	ready    chan bool
}

// Arbitrator is an in-process lock table keyed by resource id.
type Arbitrator struct {
	mu         sync.Mutex
	holders    map[string]string          // resource -> holding agent
	held       map[string]map[string]bool // agent -> resources held
	waiters    map[string][]*waiter       // resource -> FIFO queue
	waitingOn  map[string]string          // agent -> resource it is blocked on
	priorities map[string]int             // agent -> configured priority
	rr         map[string]int             // resource -> round-robin cursor
}

// New returns an empty lock table.
func New() *Arbitrator {
	return &Arbitrator{
		holders:    make(map[string]string),
		held:       make(map[string]map[string]bool),
		waiters:    make(map[string][]*waiter),
		waitingOn:  make(map[string]string),
		priorities: make(map[string]int),
		rr:         make(map[string]int),
	}
}

// SetPriority configures an agent's handoff priority. Higher wins a
// contended release; unconfigured agents are priority 0.
func (a *Arbitrator) SetPriority(agentID string, priority int) {
	a.mu.Lock()
	a.priorities[agentID] = priority
	a.mu.Unlock()
}

// Acquire takes the resource for the agent. With wait=false it returns
// immediately; with wait=true it queues until granted, the context ends,
// or the wait would deadlock (in which case this junior request aborts).
func (a *Arbitrator) Acquire(ctx domain.Context, resourceID, agentID string, wait bool) (bool, error) {
	if resourceID == "" || agentID == "" {
		return false, fmt.Errorf("resource and agent ids required: %w", domain.ErrInvalidArgument)
	}

	a.mu.Lock()
	holder, taken := a.holders[resourceID]
	if !taken {
		a.grantLocked(resourceID, agentID)
		a.mu.Unlock()
		observability.ResourceLockWaits.WithLabelValues("granted").Inc()
		return true, nil
	}
	if holder == agentID {
		a.mu.Unlock()
		return true, nil
	}
	if !wait {
		a.mu.Unlock()
		observability.ResourceLockWaits.WithLabelValues("denied").Inc()
		return false, nil
	}

	if a.wouldDeadlockLocked(resourceID, agentID) {
		a.mu.Unlock()
		observability.ResourceLockWaits.WithLabelValues("aborted").Inc()
		slog.Warn("resource wait aborted, would deadlock",
			slog.String("resource_id", resourceID),
			slog.String("agent_id", agentID))
		return false, fmt.Errorf("op=arbitrator.Acquire resource=%s agent=%s would deadlock: %w",
			resourceID, agentID, domain.ErrConflict)
	}

	w := &waiter{agentID: agentID, priority: a.priorities[agentID], ready: make(chan bool, 1)}
	a.waiters[resourceID] = append(a.waiters[resourceID], w)
	a.waitingOn[agentID] = resourceID
	a.mu.Unlock()
	observability.ResourceLockWaits.WithLabelValues("queued").Inc()

	select {
	case granted := <-w.ready:
		if !granted {
			observability.ResourceLockWaits.WithLabelValues("aborted").Inc()
			return false, fmt.Errorf("op=arbitrator.Acquire resource=%s agent=%s aborted: %w",
				resourceID, agentID, domain.ErrConflict)
		}
		return true, nil
	case <-ctx.Done():
		a.abandonWait(resourceID, w)
		observability.ResourceLockWaits.WithLabelValues("timeout").Inc()
		return false, fmt.Errorf("op=arbitrator.Acquire resource=%s agent=%s: %w", resourceID, agentID, ctx.Err())
	}
}

// Release gives the resource up and hands it to the best waiter.
func (a *Arbitrator) Release(resourceID, agentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	holder, ok := a.holders[resourceID]
	if !ok {
		return fmt.Errorf("resource %s not held: %w", resourceID, domain.ErrNotFound)
	}
	if holder != agentID {
		return fmt.Errorf("resource %s held by %s, not %s: %w", resourceID, holder, agentID, domain.ErrConflict)
	}

	delete(a.holders, resourceID)
	delete(a.held[agentID], resourceID)
	if len(a.held[agentID]) == 0 {
		delete(a.held, agentID)
	}
	a.handOffLocked(resourceID)
	return nil
}

// Holder reports who holds the resource, if anyone.
func (a *Arbitrator) Holder(resourceID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	holder, ok := a.holders[resourceID]
	return holder, ok
}

// HeldBy lists the resources an agent currently holds.
func (a *Arbitrator) HeldBy(agentID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.held[agentID]))
	for resource := range a.held[agentID] {
		out = append(out, resource)
	}
	return out
}

// ReleaseAll drops everything an agent holds, e.g. on agent shutdown, and
// aborts any wait it has pending.
func (a *Arbitrator) ReleaseAll(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for resource := range a.held[agentID] {
		delete(a.holders, resource)
		a.handOffLocked(resource)
	}
	delete(a.held, agentID)

	if resource, waiting := a.waitingOn[agentID]; waiting {
		queue := a.waiters[resource]
		for i, w := range queue {
			if w.agentID == agentID {
				a.waiters[resource] = append(queue[:i], queue[i+1:]...)
				w.ready <- false
				break
			}
		}
		delete(a.waitingOn, agentID)
	}
}

func (a *Arbitrator) grantLocked(resourceID, agentID string) {
	a.holders[resourceID] = agentID
	if a.held[agentID] == nil {
		a.held[agentID] = make(map[string]bool)
	}
	a.held[agentID][resourceID] = true
}

// handOffLocked picks the next holder: highest priority wins, equal
// priorities rotate via the resource's round-robin cursor, and queue
// order breaks any remaining tie.
func (a *Arbitrator) handOffLocked(resourceID string) {
	queue := a.waiters[resourceID]
	if len(queue) == 0 {
		delete(a.waiters, resourceID)
		return
	}

	top := queue[0].priority
	for _, w := range queue[1:] {
		if w.priority > top {
			top = w.priority
		}
	}
	var candidates []int
	for i, w := range queue {
		if w.priority == top {
			candidates = append(candidates, i)
		}
	}
	pick := candidates[0]
	if len(candidates) > 1 {
		pick = candidates[a.rr[resourceID]%len(candidates)]
		a.rr[resourceID]++
	}

	w := queue[pick]
	a.waiters[resourceID] = append(queue[:pick], queue[pick+1:]...)
	if len(a.waiters[resourceID]) == 0 {
		delete(a.waiters, resourceID)
	}
	delete(a.waitingOn, w.agentID)
	a.grantLocked(resourceID, w.agentID)
	w.ready <- true
}

// wouldDeadlockLocked walks the waits-for chain from the resource's holder.
// If it leads back to the requesting agent, queueing would close a cycle.
func (a *Arbitrator) wouldDeadlockLocked(resourceID, agentID string) bool {
	visited := make(map[string]bool)
	current := a.holders[resourceID]
	for current != "" && !visited[current] {
		if current == agentID {
			return true
		}
		visited[current] = true
		blockedOn, waiting := a.waitingOn[current]
		if !waiting {
			return false
		}
		current = a.holders[blockedOn]
	}
	return false
}

func (a *Arbitrator) abandonWait(resourceID string, target *waiter) {
	a.mu.Lock()
	defer a.mu.Unlock()

	queue := a.waiters[resourceID]
	for i, w := range queue {
		if w == target {
			a.waiters[resourceID] = append(queue[:i], queue[i+1:]...)
			if len(a.waiters[resourceID]) == 0 {
				delete(a.waiters, resourceID)
			}
			delete(a.waitingOn, target.agentID)
			return
		}
	}
	// Not in the queue means a grant raced the cancellation; give the
	// resource back so it is not orphaned.
	select {
	case granted := <-target.ready:
		if granted {
			delete(a.holders, resourceID)
			delete(a.held[target.agentID], resourceID)
			if len(a.held[target.agentID]) == 0 {
				delete(a.held, target.agentID)
			}
			a.handOffLocked(resourceID)
		}
	default:
	}
}
