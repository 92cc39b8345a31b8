package a2a

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aamlabs/agent-fabric/internal/domain"
)

// MessageType enumerates the protocol vocabulary.
type MessageType string

const (
	MsgPing             MessageType = "PING"
	MsgPong             MessageType = "PONG"
	MsgDiscover         MessageType = "DISCOVER"
	MsgDiscoverResult   MessageType = "DISCOVER_RESULT"
	MsgCapabilityQuery  MessageType = "CAPABILITY_QUERY"
	MsgCapabilityResult MessageType = "CAPABILITY_RESULT"
	MsgDelegate         MessageType = "DELEGATE"
	MsgDelegateAccept   MessageType = "DELEGATE_ACCEPT"
	MsgDelegateReject   MessageType = "DELEGATE_REJECT"
	MsgDelegateResult   MessageType = "DELEGATE_RESULT"
	MsgStatusQuery      MessageType = "STATUS_QUERY"
	MsgStatusResult     MessageType = "STATUS_RESULT"
	MsgExecute          MessageType = "EXECUTE"
	MsgExecuteResult    MessageType = "EXECUTE_RESULT"
	MsgCancel           MessageType = "CANCEL"
	MsgCancelAck        MessageType = "CANCEL_ACK"
	MsgContextShare     MessageType = "CONTEXT_SHARE"
	MsgContextUpdate    MessageType = "CONTEXT_UPDATE"
	MsgEvent            MessageType = "EVENT"
	MsgHeartbeat        MessageType = "HEARTBEAT"
	MsgError            MessageType = "ERROR"
)

// ProtocolVersion is stamped on every envelope this broker emits.
const ProtocolVersion = "1.0"

// fabricContextKey is the metadata entry carrying the sender's view of the
// tenant's fabric plane.
const fabricContextKey = "fabric_context"

// Message is the protocol envelope. CorrelationID links a reply to the
// request that caused it; InReplyTo names the specific message answered.
// Metadata carries cross-cutting annotations, notably fabric_context with
// the sender's primary_plane_id and preset.
type Message struct {
	ID              string         `json:"id"`
	Type            MessageType    `json:"type"`
	SenderID        string         `json:"sender_id"`
	RecipientID     string         `json:"recipient_id"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	InReplyTo       string         `json:"in_reply_to,omitempty"`
	TenantID        string         `json:"tenant_id,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	ProtocolVersion string         `json:"protocol_version"`
}

// NewMessage builds an envelope with generated id and timestamp.
func NewMessage(t MessageType, sender, recipient, tenant string, payload map[string]any) Message {
	return Message{
		ID:              "msg-" + uuid.NewString()[:12],
		Type:            t,
		SenderID:        sender,
		RecipientID:     recipient,
		TenantID:        tenant,
		Payload:         payload,
		CreatedAt:       time.Now().UTC(),
		ProtocolVersion: ProtocolVersion,
	}
}

// WithFabricContext annotates the envelope with the sender's fabric plane.
func (m Message) WithFabricContext(planeID string, preset domain.FabricPreset) Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, 1)
	}
	m.Metadata[fabricContextKey] = map[string]any{
		"primary_plane_id": planeID,
		"preset":           string(preset),
	}
	return m
}

// Handler processes one inbound message and optionally returns a reply.
type Handler func(ctx domain.Context, msg Message) (*Message, error)

// Broker is the in-process message transport. Built-in verbs (ping,
// discovery, delegation, execution) are served by the broker itself; agents
// attach handlers for anything beyond those.
type Broker struct {
	dir     *Directory
	engine  *Engine
	router  domain.ActionRouter
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[string]map[MessageType]Handler
	pending  map[string]chan Message
}

// NewBroker builds a broker. responseTimeout bounds Request round trips;
// zero means 30 seconds.
func NewBroker(dir *Directory, engine *Engine, router domain.ActionRouter, responseTimeout time.Duration) *Broker {
	if responseTimeout <= 0 {
		responseTimeout = 30 * time.Second
	}
	return &Broker{
		dir:      dir,
		engine:   engine,
		router:   router,
		timeout:  responseTimeout,
		handlers: make(map[string]map[MessageType]Handler),
		pending:  make(map[string]chan Message),
	}
}

// Attach registers an agent handler for one message type, overriding the
// built-in verb for that agent.
func (b *Broker) Attach(agentID string, t MessageType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.handlers[agentID]
	if !ok {
		m = make(map[MessageType]Handler)
		b.handlers[agentID] = m
	}
	m[t] = h
}

// Send dispatches one message to its recipient and returns the reply, if
// any. Unknown recipients and unhandled types produce an ERROR reply.
func (b *Broker) Send(ctx domain.Context, msg Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()[:12]
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ProtocolVersion == "" {
		msg.ProtocolVersion = ProtocolVersion
	}
	if msg.ExpiresAt != nil && time.Now().UTC().After(*msg.ExpiresAt) {
		return nil, fmt.Errorf("message %s expired at %s: %w", msg.ID, msg.ExpiresAt.Format(time.RFC3339), domain.ErrTimeout)
	}

	if _, err := b.dir.Get(msg.RecipientID); err != nil {
		return nil, fmt.Errorf("op=a2a.Send recipient: %w", err)
	}

	b.mu.RLock()
	custom := b.handlers[msg.RecipientID][msg.Type]
	b.mu.RUnlock()
	if custom != nil {
		reply, err := custom(ctx, msg)
		return b.stampReply(msg, reply), err
	}
	reply, err := b.builtin(ctx, msg)
	return b.stampReply(msg, reply), err
}

// Request sends and waits for the correlated reply, up to the broker's
// response timeout.
func (b *Broker) Request(ctx domain.Context, msg Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()[:12]
	}
	ch := make(chan Message, 1)
	b.mu.Lock()
	b.pending[msg.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	go func() {
		reply, err := b.Send(ctx, msg)
		if err != nil {
			reply = b.stampReply(msg, &Message{
				Type:    MsgError,
				Payload: map[string]any{"error": err.Error()},
			})
		}
		if reply != nil {
			b.Deliver(*reply)
		}
	}()

	select {
	case reply := <-ch:
		if reply.Type == MsgError {
			return &reply, fmt.Errorf("op=a2a.Request: %v", reply.Payload["error"])
		}
		return &reply, nil
	case <-time.After(b.timeout):
		return nil, fmt.Errorf("no reply to %s within %s: %w", msg.ID, b.timeout, domain.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver resolves a correlation future. Replies nobody waits for are
// dropped with a debug log.
func (b *Broker) Deliver(reply Message) {
	b.mu.RLock()
	ch, ok := b.pending[reply.CorrelationID]
	b.mu.RUnlock()
	if !ok {
		slog.Debug("uncorrelated reply dropped",
			slog.String("correlation_id", reply.CorrelationID),
			slog.String("type", string(reply.Type)))
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// stampReply fills in addressing and correlation from the request. Replies
// carry the request's fabric context forward.
func (b *Broker) stampReply(req Message, reply *Message) *Message {
	if reply == nil {
		return nil
	}
	if reply.ID == "" {
		reply.ID = "msg-" + uuid.NewString()[:12]
	}
	reply.SenderID = req.RecipientID
	reply.RecipientID = req.SenderID
	reply.CorrelationID = req.ID
	reply.InReplyTo = req.ID
	reply.TenantID = req.TenantID
	reply.ProtocolVersion = ProtocolVersion
	if fc, ok := req.Metadata[fabricContextKey]; ok {
		if reply.Metadata == nil {
			reply.Metadata = make(map[string]any, 1)
		}
		if _, set := reply.Metadata[fabricContextKey]; !set {
			reply.Metadata[fabricContextKey] = fc
		}
	}
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now().UTC()
	}
	return reply
}

// builtin serves the protocol verbs the broker understands natively.
func (b *Broker) builtin(ctx domain.Context, msg Message) (*Message, error) {
	switch msg.Type {
	case MsgPing, MsgHeartbeat:
		_ = b.dir.ReportHealth(msg.RecipientID, true, "ping")
		return &Message{Type: MsgPong, Payload: map[string]any{"at": time.Now().UTC().Format(time.RFC3339Nano)}}, nil

	case MsgDiscover:
		filter := domain.DiscoveryFilter{TenantID: msg.TenantID}
		if v, ok := msg.Payload["capability_id"].(string); ok && v != "" {
			filter.CapabilityIDs = []string{v}
		}
		if v, ok := msg.Payload["agent_type"].(string); ok {
			filter.AgentType = v
		}
		if v, ok := msg.Payload["min_trust_level"].(float64); ok {
			filter.MinTrustLevel = int(v)
		}
		cards := b.dir.Discover(filter)
		ids := make([]string, 0, len(cards))
		for _, c := range cards {
			ids = append(ids, c.ID)
		}
		return &Message{Type: MsgDiscoverResult, Payload: map[string]any{"agent_ids": ids, "count": len(ids)}}, nil

	case MsgCapabilityQuery:
		card, err := b.dir.Get(msg.RecipientID)
		if err != nil {
			return nil, err
		}
		caps := make([]map[string]any, 0, len(card.Capabilities))
		for _, c := range card.Capabilities {
			caps = append(caps, map[string]any{"id": c.ID, "name": c.Name, "type": string(c.Type)})
		}
		return &Message{Type: MsgCapabilityResult, Payload: map[string]any{"capabilities": caps}}, nil

	case MsgDelegate:
		return b.handleDelegate(ctx, msg)

	case MsgStatusQuery:
		return b.handleStatusQuery(msg)

	case MsgExecute:
		return b.handleExecute(ctx, msg)

	case MsgCancel:
		if b.engine == nil {
			return nil, fmt.Errorf("delegation engine not configured: %w", domain.ErrUnavailable)
		}
		id, _ := msg.Payload["delegation_id"].(string)
		if err := b.engine.Cancel(id, msg.SenderID); err != nil {
			return nil, err
		}
		return &Message{Type: MsgCancelAck, Payload: map[string]any{"delegation_id": id}}, nil

	case MsgContextShare, MsgContextUpdate:
		return b.handleContextShare(msg)

	case MsgEvent:
		// Fire-and-forget notifications need no reply.
		return nil, nil

	default:
		return &Message{Type: MsgError, Payload: map[string]any{
			"error": fmt.Sprintf("agent %s does not handle %s", msg.RecipientID, msg.Type),
		}}, nil
	}
}

// handleDelegate creates the delegation and auto-accepts on behalf of the
// recipient when it has a registered executor for the capability.
func (b *Broker) handleDelegate(ctx domain.Context, msg Message) (*Message, error) {
	if b.engine == nil {
		return nil, fmt.Errorf("delegation engine not configured: %w", domain.ErrUnavailable)
	}
	input, _ := msg.Payload["task_input"].(string)
	capability, _ := msg.Payload["capability_id"].(string)
	reason, _ := msg.Payload["reason"].(string)
	dc := domain.DelegationContext{OriginalInput: input}
	if raw, ok := msg.Payload["context"].(map[string]any); ok {
		dc.OriginalContext = raw
	}

	req, err := b.engine.Delegate(ctx, msg.SenderID, msg.RecipientID, capability, input, dc, DelegateOptions{Reason: reason})
	if err != nil {
		return &Message{Type: MsgDelegateReject, Payload: map[string]any{"error": err.Error()}}, nil
	}
	accepted, err := b.engine.Accept(ctx, req.ID, msg.RecipientID)
	if err != nil {
		return &Message{Type: MsgDelegateReject, Payload: map[string]any{
			"delegation_id": req.ID,
			"error":         err.Error(),
		}}, nil
	}
	return &Message{Type: MsgDelegateAccept, Payload: map[string]any{
		"delegation_id": accepted.ID,
		"status":        string(accepted.Status),
	}}, nil
}

// handleStatusQuery answers a delegation lookup, or when no delegation_id
// is given, the recipient's health and active delegation count.
func (b *Broker) handleStatusQuery(msg Message) (*Message, error) {
	id, _ := msg.Payload["delegation_id"].(string)
	if id == "" {
		h, err := b.dir.Health(msg.RecipientID)
		if err != nil {
			return nil, err
		}
		active := 0
		if b.engine != nil {
			for _, req := range b.engine.ListForAgent(msg.RecipientID) {
				if !req.Status.IsTerminal() {
					active++
				}
			}
		}
		return &Message{Type: MsgStatusResult, Payload: map[string]any{
			"agent_id":           msg.RecipientID,
			"health":             string(h.State),
			"last_checked_at":    h.LastCheckedAt.Format(time.RFC3339Nano),
			"active_delegations": active,
		}}, nil
	}
	if b.engine == nil {
		return nil, fmt.Errorf("delegation engine not configured: %w", domain.ErrUnavailable)
	}
	req, err := b.engine.Get(id)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgStatusResult, Payload: map[string]any{
		"delegation_id": req.ID,
		"status":        string(req.Status),
		"result":        req.Result,
		"error":         req.Error,
	}}, nil
}

// handleContextShare merges shared state into a live delegation. Either
// party of the handoff may contribute.
func (b *Broker) handleContextShare(msg Message) (*Message, error) {
	if b.engine == nil {
		return nil, fmt.Errorf("delegation engine not configured: %w", domain.ErrUnavailable)
	}
	id, _ := msg.Payload["delegation_id"].(string)
	state, _ := msg.Payload["shared_state"].(map[string]any)
	if id == "" || len(state) == 0 {
		return &Message{Type: MsgError, Payload: map[string]any{
			"error": "context share needs delegation_id and shared_state",
		}}, nil
	}
	if err := b.engine.ShareState(id, msg.SenderID, state); err != nil {
		return nil, err
	}
	return &Message{Type: MsgStatusResult, Payload: map[string]any{
		"delegation_id": id,
		"shared_keys":   len(state),
	}}, nil
}

// handleExecute audits the tenant's fabric context before routing. An agent
// with no active plane may not touch downstream systems; a message whose
// own fabric context is missing or disagrees with the router is logged and
// enriched with the router's view, which always wins for routing.
func (b *Broker) handleExecute(ctx domain.Context, msg Message) (*Message, error) {
	if b.router == nil {
		return nil, fmt.Errorf("action router not configured: %w", domain.ErrUnavailable)
	}
	planeID, preset, ok := b.router.FabricContext(msg.TenantID)
	if !ok {
		return &Message{Type: MsgError, Payload: map[string]any{
			"error": fmt.Sprintf("tenant %s has no active fabric plane", msg.TenantID),
		}}, nil
	}

	enriched := false
	switch fc, present := msg.Metadata[fabricContextKey].(map[string]any); {
	case !present:
		slog.Warn("execute message missing fabric context, enriching from router",
			slog.String("message_id", msg.ID),
			slog.String("tenant_id", msg.TenantID),
			slog.String("plane_id", planeID))
		enriched = true
	case str(fc["primary_plane_id"]) != planeID || str(fc["preset"]) != string(preset):
		slog.Warn("execute message fabric context disagrees with router, preferring router",
			slog.String("message_id", msg.ID),
			slog.String("tenant_id", msg.TenantID),
			slog.String("message_plane_id", str(fc["primary_plane_id"])),
			slog.String("router_plane_id", planeID))
		enriched = true
	}

	payload := domain.ActionPayload{
		TargetSystem: domain.TargetSystem(str(msg.Payload["target_system"])),
		ActionType:   domain.ActionType(str(msg.Payload["action_type"])),
		EntityID:     str(msg.Payload["entity_id"]),
		EntityType:   str(msg.Payload["entity_type"]),
	}
	if data, ok := msg.Payload["data"].(map[string]any); ok {
		payload.Data = data
	}

	action, err := b.router.Route(ctx, msg.TenantID, payload, msg.SenderID, msg.ID)
	if err != nil {
		p := map[string]any{"error": err.Error()}
		if action != nil {
			p["action_id"] = action.ID
		}
		return &Message{Type: MsgError, Payload: p}, nil
	}
	reply := Message{Type: MsgExecuteResult, Payload: map[string]any{
		"action_id":               action.ID,
		"status":                  string(action.Status),
		"execution_path":          action.ExecutionPath,
		"primary_plane_id":        planeID,
		"fabric_preset":           string(preset),
		"result":                  action.Result,
		"error":                   action.Error,
		"completed_at":            time.Now().UTC().Format(time.RFC3339Nano),
		"fabric_context_enriched": enriched,
	}}.WithFabricContext(planeID, preset)
	return &reply, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
