// Package a2a implements agent-to-agent collaboration: the agent directory,
// the message protocol and the delegation engine with its shift-left
// context gate.
package a2a

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// unhealthyAfter is the consecutive-failure count that flips an agent from
// degraded to unhealthy.
const unhealthyAfter = 3

// Directory is the in-process agent registry: cards indexed by id, tenant,
// capability and tag, plus tracked health per agent.
type Directory struct {
	validate *validator.Validate

	mu       sync.RWMutex
	agents   map[string]domain.AgentCard
	health   map[string]*domain.AgentHealth
	byTenant map[string]map[string]struct{}
	byCap    map[string]map[string]struct{}
	byTag    map[string]map[string]struct{}

	healthWatchers []func(domain.AgentHealth)
}

// NewDirectory builds an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		agents:   make(map[string]domain.AgentCard),
		health:   make(map[string]*domain.AgentHealth),
		byTenant: make(map[string]map[string]struct{}),
		byCap:    make(map[string]map[string]struct{}),
		byTag:    make(map[string]map[string]struct{}),
	}
}

// Register validates and stores an agent card. Re-registering the same id
// replaces the card and resets health to unknown.
func (d *Directory) Register(card domain.AgentCard) (domain.AgentCard, error) {
	if err := d.validate.Struct(card); err != nil {
		return domain.AgentCard{}, fmt.Errorf("op=a2a.Register agent=%s: %w: %v", card.ID, domain.ErrInvalidArgument, err)
	}
	if card.RegisteredAt.IsZero() {
		card.RegisteredAt = time.Now().UTC()
	}

	d.mu.Lock()
	if old, ok := d.agents[card.ID]; ok {
		d.unindex(old)
	}
	d.agents[card.ID] = card
	d.index(card)
	d.health[card.ID] = &domain.AgentHealth{
		AgentID:       card.ID,
		State:         domain.HealthUnknown,
		LastCheckedAt: time.Now().UTC(),
	}
	d.mu.Unlock()

	slog.Info("agent registered",
		slog.String("agent_id", card.ID),
		slog.String("tenant_id", card.TenantID),
		slog.Int("capabilities", len(card.Capabilities)),
		slog.Int("trust_level", card.TrustLevel))
	return card, nil
}

// Deregister removes an agent and its indexes.
func (d *Directory) Deregister(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	card, ok := d.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	d.unindex(card)
	delete(d.agents, agentID)
	delete(d.health, agentID)
	return nil
}

// Get returns one agent card.
func (d *Directory) Get(agentID string) (domain.AgentCard, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	card, ok := d.agents[agentID]
	if !ok {
		return domain.AgentCard{}, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return card, nil
}

// Health returns the tracked health record for an agent.
func (d *Directory) Health(agentID string) (domain.AgentHealth, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.health[agentID]
	if !ok {
		return domain.AgentHealth{}, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return *h, nil
}

// OnHealthChange registers a callback fired whenever an agent's health state
// transitions. Callbacks run synchronously under no lock.
func (d *Directory) OnHealthChange(fn func(domain.AgentHealth)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthWatchers = append(d.healthWatchers, fn)
}

// ReportHealth records one probe outcome. Failures degrade, then mark
// unhealthy after unhealthyAfter consecutive misses; any success restores
// healthy.
func (d *Directory) ReportHealth(agentID string, ok bool, detail string) error {
	d.mu.Lock()
	h, found := d.health[agentID]
	if !found {
		d.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	prev := h.State
	h.LastCheckedAt = time.Now().UTC()
	h.Detail = detail
	if ok {
		h.ConsecutiveFailures = 0
		h.State = domain.HealthHealthy
	} else {
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= unhealthyAfter {
			h.State = domain.HealthUnhealthy
		} else {
			h.State = domain.HealthDegraded
		}
	}
	changed := h.State != prev
	snapshot := *h
	watchers := slices.Clone(d.healthWatchers)
	d.mu.Unlock()

	if changed {
		slog.Info("agent health changed",
			slog.String("agent_id", agentID),
			slog.String("from", string(prev)),
			slog.String("to", string(snapshot.State)))
		for _, fn := range watchers {
			fn(snapshot)
		}
	}
	return nil
}

// Discover returns cards matching every set filter field, sorted by trust
// level descending, then id for a stable order.
func (d *Directory) Discover(filter domain.DiscoveryFilter) []domain.AgentCard {
	d.mu.RLock()
	candidates := d.candidateIDs(filter)
	out := make([]domain.AgentCard, 0, len(candidates))
	for id := range candidates {
		card, ok := d.agents[id]
		if !ok || !d.matches(card, filter) {
			continue
		}
		out = append(out, card)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TrustLevel != out[j].TrustLevel {
			return out[i].TrustLevel > out[j].TrustLevel
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

// FindDelegatees returns healthy-or-unknown agents in the tenant that accept
// delegation and advertise the capability, best trust first. The excluding
// id is dropped from the result so a delegator never hands a task to itself.
func (d *Directory) FindDelegatees(tenantID, capabilityID string, minTrust int, excluding string) []domain.AgentCard {
	accept := true
	cards := d.Discover(domain.DiscoveryFilter{
		TenantID:            tenantID,
		CapabilityIDs:       []string{capabilityID},
		MinTrustLevel:       minTrust,
		CanAcceptDelegation: &accept,
		HealthStates:        []domain.HealthState{domain.HealthHealthy, domain.HealthUnknown},
	})
	if excluding == "" {
		return cards
	}
	out := cards[:0]
	for _, c := range cards {
		if c.ID != excluding {
			out = append(out, c)
		}
	}
	return out
}

// candidateIDs narrows the scan using the cheapest available index. Caller
// holds at least the read lock.
func (d *Directory) candidateIDs(filter domain.DiscoveryFilter) map[string]struct{} {
	if len(filter.IDs) > 0 {
		out := make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			out[id] = struct{}{}
		}
		return out
	}
	if len(filter.CapabilityIDs) > 0 {
		if set, ok := d.byCap[filter.CapabilityIDs[0]]; ok {
			return set
		}
		return nil
	}
	if filter.TenantID != "" {
		if set, ok := d.byTenant[filter.TenantID]; ok {
			return set
		}
		return nil
	}
	out := make(map[string]struct{}, len(d.agents))
	for id := range d.agents {
		out[id] = struct{}{}
	}
	return out
}

func (d *Directory) matches(card domain.AgentCard, f domain.DiscoveryFilter) bool {
	if f.TenantID != "" && card.TenantID != f.TenantID {
		return false
	}
	if f.AgentType != "" && card.AgentType != f.AgentType {
		return false
	}
	if f.Role != "" && card.Role != f.Role {
		return false
	}
	if f.Certification != "" && card.Certification != f.Certification {
		return false
	}
	if card.TrustLevel < f.MinTrustLevel {
		return false
	}
	if f.CanDelegate != nil && card.CanDelegate != *f.CanDelegate {
		return false
	}
	if f.CanAcceptDelegation != nil && card.CanAcceptDelegation != *f.CanAcceptDelegation {
		return false
	}
	for _, capID := range f.CapabilityIDs {
		if !card.HasCapability(capID) {
			return false
		}
	}
	if len(f.Tags) > 0 {
		tags := make(map[string]struct{})
		for _, c := range card.Capabilities {
			for _, tag := range c.Tags {
				tags[tag] = struct{}{}
			}
		}
		for _, want := range f.Tags {
			if _, ok := tags[want]; !ok {
				return false
			}
		}
	}
	if len(f.HealthStates) > 0 {
		h := d.health[card.ID]
		state := domain.HealthUnknown
		if h != nil {
			state = h.State
		}
		found := false
		for _, want := range f.HealthStates {
			if state == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (d *Directory) index(card domain.AgentCard) {
	addTo(d.byTenant, card.TenantID, card.ID)
	for _, c := range card.Capabilities {
		addTo(d.byCap, c.ID, card.ID)
		for _, tag := range c.Tags {
			addTo(d.byTag, tag, card.ID)
		}
	}
}

func (d *Directory) unindex(card domain.AgentCard) {
	dropFrom(d.byTenant, card.TenantID, card.ID)
	for _, c := range card.Capabilities {
		dropFrom(d.byCap, c.ID, card.ID)
		for _, tag := range c.Tags {
			dropFrom(d.byTag, tag, card.ID)
		}
	}
}

func addTo(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func dropFrom(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
