package fabric

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aamlabs/agent-fabric/internal/domain"
	"github.com/aamlabs/agent-fabric/internal/resilience"
)

func fastExecutor() *resilience.Executor {
	profiles := resilience.DefaultProfiles()
	for kind, p := range profiles {
		p.AttemptTimeout = 2 * time.Second
		p.BackoffMin = time.Millisecond
		p.BackoffMax = 5 * time.Millisecond
		p.RecoveryTimeout = 50 * time.Millisecond
		profiles[kind] = p
	}
	return resilience.NewExecutor(profiles)
}

func TestRegistry_SingleActivePlane(t *testing.T) {
	reg := NewRegistry()

	plane, err := reg.EnsureTenant("t1", domain.PresetScrappy)
	require.NoError(t, err)
	require.Equal(t, domain.PresetScrappy, plane.Preset)
	require.True(t, plane.IsActive)

	require.NoError(t, reg.SetActivePreset("t1", domain.PresetIPaaS))
	active, err := reg.ActivePlane("t1")
	require.NoError(t, err)
	require.Equal(t, domain.PresetIPaaS, active.Preset)
	require.False(t, plane.IsActive)

	_, err = reg.ActivePlane("t-missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_DirectEndpointOnlyUnderScrappy(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.EnsureTenant("t1", domain.PresetEventBus)
	require.NoError(t, err)

	// No non-scrappy default route carries a direct endpoint.
	for _, preset := range domain.Presets() {
		for key, route := range buildRoutes(preset) {
			if preset == domain.PresetScrappy {
				require.NotEmpty(t, route.DirectEndpoint, "scrappy route %v", key)
			} else {
				require.Empty(t, route.DirectEndpoint, "%s route %v", preset, key)
			}
		}
	}

	err = reg.SetRoute("t1", domain.PresetEventBus,
		domain.RouteKey{System: domain.SystemCRM, Action: domain.ActionUpdate},
		domain.Route{DirectEndpoint: "https://sneaky.example.com"})
	require.ErrorIs(t, err, domain.ErrInvariant)
}

func TestRegistry_RouteTableCoversAllPairs(t *testing.T) {
	routes := buildRoutes(domain.PresetAPIGateway)
	require.Len(t, routes, len(domain.TargetSystems())*len(domain.ActionTypes()))

	r := routes[domain.RouteKey{System: domain.SystemTicketing, Action: domain.ActionCreate}]
	require.Equal(t, "ticketing-upstream", r.GatewayUpstream)
	require.Equal(t, "/api/ticketing/ticket/{id}", r.GatewayPath)
}

func TestRouter_DirectCall(t *testing.T) {
	var gotMethod, gotPath, gotTenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotTenant = r.Header.Get("X-Tenant-Id")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	reg := NewRegistry()
	_, err := reg.EnsureTenant("t1", domain.PresetScrappy)
	require.NoError(t, err)
	require.NoError(t, reg.SetRoute("t1", domain.PresetScrappy,
		domain.RouteKey{System: domain.SystemCRM, Action: domain.ActionUpdate},
		domain.Route{DirectEndpoint: srv.URL + "/v1/customers/{id}", DirectMethod: "PATCH", TimeoutSeconds: 5}))

	router := NewRouter(reg, fastExecutor(), WithHTTPClient(srv.Client()))
	action, err := router.Route(context.Background(), "t1", domain.ActionPayload{
		TargetSystem: domain.SystemCRM,
		ActionType:   domain.ActionUpdate,
		EntityID:     "cust-42",
		Data:         map[string]any{"status": "active"},
	}, "agent-1", "corr-1")
	require.NoError(t, err)

	require.Equal(t, domain.RoutedCompleted, action.Status)
	require.Equal(t, "direct_call", action.ExecutionPath)
	require.Equal(t, "PATCH", gotMethod)
	require.Equal(t, "/v1/customers/cust-42", gotPath)
	require.Equal(t, "t1", gotTenant)
	require.Equal(t, 200, action.Result["status_code"])
}

func TestRouter_GatewayCall(t *testing.T) {
	var gotRouteID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRouteID = r.Header.Get("X-Gateway-Route-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry()
	_, err := reg.EnsureTenant("t1", domain.PresetAPIGateway)
	require.NoError(t, err)
	require.NoError(t, reg.SetProviderConfig("t1", domain.PresetAPIGateway, "gateway_base_url", srv.URL))

	router := NewRouter(reg, fastExecutor(), WithHTTPClient(srv.Client()))
	action, err := router.Route(context.Background(), "t1", domain.ActionPayload{
		TargetSystem: domain.SystemFinance,
		ActionType:   domain.ActionRead,
		EntityID:     "inv-9",
	}, "agent-1", "")
	require.NoError(t, err)

	require.Equal(t, "api_gateway", action.ExecutionPath)
	require.Equal(t, "route_finance_read", gotRouteID)
	require.Equal(t, "route_finance_read", action.Result["gateway_route_id"])
}

func TestRouter_IPaaSRecipeTrigger(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	reg := NewRegistry()
	_, err := reg.EnsureTenant("acme", domain.PresetIPaaS)
	require.NoError(t, err)
	require.NoError(t, reg.SetProviderConfig("acme", domain.PresetIPaaS, "ipaas_base_url", srv.URL))

	router := NewRouter(reg, fastExecutor(), WithHTTPClient(srv.Client()))
	action, err := router.Route(context.Background(), "acme", domain.ActionPayload{
		TargetSystem: domain.SystemCRM,
		ActionType:   domain.ActionUpdate,
		EntityID:     "cust-7",
		EntityType:   "customer",
		Data:         map[string]any{"email_opt_in": false},
	}, "agent-1", "corr-7")
	require.NoError(t, err)

	require.Equal(t, "ipaas_recipe", action.ExecutionPath)
	require.Equal(t, "/webhooks/workato/crm/customer/update", gotPath)
	require.Equal(t, "recipe_crm_update_customer", gotBody["recipe_id"])
	require.Equal(t, "recipe_crm_update_customer", action.Result["recipe_id"])

	input, ok := gotBody["input"].(map[string]any)
	require.True(t, ok, "trigger body must carry an input object, got keys %v", mapKeys(gotBody))
	require.Equal(t, "cust-7", input["entity_id"])
	require.Equal(t, "customer", input["entity_type"])
	require.Equal(t, "corr-7", input["correlation_id"])
	data := input["data"].(map[string]any)
	require.Equal(t, false, data["email_opt_in"])

	meta, ok := gotBody["metadata"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "agent-1", meta["agent_id"])
	require.Equal(t, "acme", meta["tenant_id"])
	require.NotEmpty(t, meta["timestamp"])
}

func mapKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fakeBus struct {
	mu     sync.Mutex
	topic  string
	key    string
	events []map[string]any
}

func (b *fakeBus) Publish(_ context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topic, b.key = topic, key
	var ev map[string]any
	_ = json.Unmarshal(value, &ev)
	b.events = append(b.events, ev)
	return nil
}

func TestRouter_EventBusEnvelope(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.EnsureTenant("t1", domain.PresetEventBus)
	require.NoError(t, err)

	bus := &fakeBus{}
	router := NewRouter(reg, fastExecutor(), WithEventPublisher(bus))
	action, err := router.Route(context.Background(), "t1", domain.ActionPayload{
		TargetSystem: domain.SystemInventory,
		ActionType:   domain.ActionSync,
		EntityID:     "sku-1",
		Data:         map[string]any{"qty": 12},
	}, "agent-2", "corr-9")
	require.NoError(t, err)

	require.Equal(t, "event_bus_publish", action.ExecutionPath)
	require.Equal(t, "aam.fabric.inventory", bus.topic)
	require.Equal(t, "sku-1", bus.key)
	require.Len(t, bus.events, 1)
	ev := bus.events[0]
	require.Equal(t, "inventory.sync", ev["event_type"])
	meta := ev["metadata"].(map[string]any)
	require.Equal(t, "t1", meta["tenant_id"])
	require.Equal(t, "corr-9", meta["correlation_id"])
}

type fakeStaging struct {
	schema, table, operation string
	row                      map[string]any
}

func (f *fakeStaging) Write(_ context.Context, schema, table, operation string, row map[string]any) error {
	f.schema, f.table, f.operation, f.row = schema, table, operation, row
	return nil
}

func TestRouter_WarehouseStaging(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.EnsureTenant("t1", domain.PresetDataWarehouse)
	require.NoError(t, err)

	staging := &fakeStaging{}
	router := NewRouter(reg, fastExecutor(), WithStagingWriter(staging))
	action, err := router.Route(context.Background(), "t1", domain.ActionPayload{
		TargetSystem: domain.SystemAnalytics,
		ActionType:   domain.ActionIngest,
		EntityID:     "evt-1",
		Data:         map[string]any{"page": "/pricing"},
	}, "agent-3", "")
	require.NoError(t, err)

	require.Equal(t, "warehouse_staging", action.ExecutionPath)
	require.Equal(t, "staging", staging.schema)
	require.Equal(t, "analytics_events", staging.table)
	require.Equal(t, "INSERT", staging.operation)
	require.Equal(t, "evt-1", staging.row["entity_id"])
}

func TestRouter_MissingRouteFailsAction(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg, fastExecutor())

	action, err := router.Route(context.Background(), "nobody", domain.ActionPayload{
		TargetSystem: domain.SystemCRM,
		ActionType:   domain.ActionRead,
	}, "", "")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, domain.RoutedFailed, action.Status)
	require.NotEmpty(t, action.Error)

	logged, err := router.GetAction(action.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoutedFailed, logged.Status)
}

func TestRouter_FabricContext(t *testing.T) {
	reg := NewRegistry()
	plane, err := reg.EnsureTenant("t1", domain.PresetIPaaS)
	require.NoError(t, err)

	router := NewRouter(reg, fastExecutor())
	planeID, preset, ok := router.FabricContext("t1")
	require.True(t, ok)
	require.Equal(t, plane.PrimaryPlaneID, planeID)
	require.Equal(t, domain.PresetIPaaS, preset)

	_, _, ok = router.FabricContext("t2")
	require.False(t, ok)
}
