package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

// newTestManifest builds a two-service manifest with three intents.
//
//	api: deps(package.deps), schema(db.schema), env(env.export), http(process.http)
//	web: deps(package.deps), env(env.inherit); requires api, consumes api.API_URL
func newTestManifest(t *testing.T) *Manifest {
	t.Helper()

	m := &Manifest{Version: "1", Project: "shop"}

	api := &Service{Name: "api", Root: "services/api", Type: "node"}
	mustAddState(t, api, "deps", "package.deps", Map{"lockfile": String("package-lock.json")})
	mustAddState(t, api, "schema", "db.schema", Map{"source": String("db/schema.sql")})
	mustAddState(t, api, "env", "env.export", Map{"keys": List{String("API_URL")}})
	mustAddState(t, api, "http", "process.http", Map{"port": Int(4001)})

	web := &Service{
		Name: "web",
		Root: "services/web",
		Type: "node",
		Requires: Requirements{
			Services: []string{"api"},
		},
		Consumes: []EnvBinding{
			{Name: "API_URL", Source: "api.API_URL", Raw: String("api.API_URL")},
		},
	}
	mustAddState(t, web, "deps", "package.deps", nil)
	mustAddState(t, web, "env", "env.inherit", Map{"from": String("api")})

	for _, svc := range []*Service{api, web} {
		if err := m.AddService(svc); err != nil {
			t.Fatalf("AddService(%s): %v", svc.Name, err)
		}
	}

	intents := []*Intent{
		{
			Name: "feature",
			Desired: []DesiredService{
				{Service: "web", States: []string{"deps", "env"}},
				{Service: "api", States: []string{"deps", "http"}},
			},
		},
		{
			Name: "backend",
			Desired: []DesiredService{
				{Service: "api", States: []string{"schema", "env"}},
			},
		},
		{
			Name: "broken",
			Desired: []DesiredService{
				{Service: "worker", States: []string{"deps"}},
			},
		},
	}
	for _, in := range intents {
		if err := m.AddIntent(in); err != nil {
			t.Fatalf("AddIntent(%s): %v", in.Name, err)
		}
	}

	return m
}

func mustAddState(t *testing.T, svc *Service, id, stateType string, cfg Map) {
	t.Helper()
	if err := svc.AddState(&StateDef{ID: id, Type: stateType, Config: cfg}); err != nil {
		t.Fatalf("AddState(%s): %v", id, err)
	}
}

// stubDispatcher returns a fixed status per state type and counts calls.
type stubDispatcher struct {
	mu       sync.Mutex
	statuses map[string]Status
	delay    time.Duration
	calls    []string
	inFlight int
	maxSeen  int
}

func newStubDispatcher(statuses map[string]Status) *stubDispatcher {
	return &stubDispatcher{statuses: statuses}
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req ObserveRequest) Observation {
	d.mu.Lock()
	d.calls = append(d.calls, req.Item.Key())
	d.inFlight++
	if d.inFlight > d.maxSeen {
		d.maxSeen = d.inFlight
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return Observation{Status: StatusUnknown, Evidence: Map{"error": String(ctx.Err().Error())}}
		}
	}

	status, ok := d.statuses[req.Item.Type]
	if !ok {
		return Observation{Status: StatusUnknown, Evidence: Map{"type": String(req.Item.Type)}}
	}
	return Observation{Status: status, Evidence: Map{"root": String(req.ServiceRoot)}}
}

func (d *stubDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// memoryBackend keeps persisted state in memory.
type memoryBackend struct {
	mu      sync.Mutex
	state   *PersistedState
	writes  int
	loadErr error
}

func (b *memoryBackend) Load(ctx context.Context) (*PersistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	if b.state == nil {
		return NewPersistedState(), nil
	}
	return b.state, nil
}

func (b *memoryBackend) Write(ctx context.Context, state *PersistedState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	b.writes++
	return nil
}

func (b *memoryBackend) Name() string {
	return "memory"
}

// fixedClock returns a clock that advances one second per call.
func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := current
		current = current.Add(time.Second)
		return now
	}
}
