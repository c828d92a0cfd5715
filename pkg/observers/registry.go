package observers

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/rs/zerolog"
)

// Origin says where an observer came from.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginPlugin  Origin = "plugin"
)

// Info describes one registered observer.
type Info struct {
	Type   string `json:"type"`
	Origin Origin `json:"origin"`
	Source string `json:"source,omitempty"`
}

type entry struct {
	observer engine.Observer
	info     Info
}

// Registry maps state types to observers and dispatches plan items to them.
// It is safe for concurrent use.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// observers maps a state type to its observer.
	observers map[string]entry

	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		observers: make(map[string]entry),
		logger:    logger.With().Str("component", "observers").Logger(),
	}
}

// Register binds a state type to an observer. A type can be registered once.
func (r *Registry) Register(stateType string, obs engine.Observer, origin Origin, source string) error {
	if stateType == "" {
		return fmt.Errorf("observer type must not be empty")
	}
	if obs == nil {
		return fmt.Errorf("observer for %s must not be nil", stateType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.observers[stateType]; exists {
		return fmt.Errorf("observer %s already registered (%s)", stateType, existing.info.Origin)
	}

	r.observers[stateType] = entry{
		observer: obs,
		info:     Info{Type: stateType, Origin: origin, Source: source},
	}
	r.logger.Debug().Str("type", stateType).Str("origin", string(origin)).Msg("Registered observer")
	return nil
}

// Lookup returns the observer for a state type.
func (r *Registry) Lookup(stateType string) (engine.Observer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.observers[stateType]
	return e.observer, ok
}

// Origin returns the origin of a registered type.
func (r *Registry) Origin(stateType string) (Origin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.observers[stateType]
	return e.info.Origin, ok
}

// List returns registered observers sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.observers))
	for _, e := range r.observers {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Dispatch observes one plan item. Unregistered types and observer errors
// become unknown observations; Dispatch itself never fails.
func (r *Registry) Dispatch(ctx context.Context, req engine.ObserveRequest) engine.Observation {
	obs, ok := r.Lookup(req.Item.Type)
	if !ok {
		return engine.Observation{
			Status:   engine.StatusUnknown,
			Evidence: engine.Map{"type": engine.String(req.Item.Type)},
		}
	}

	result, err := obs.Observe(ctx, req)
	if err != nil {
		r.logger.Debug().
			Err(err).
			Str("service", req.Item.ServiceName).
			Str("state", req.Item.StateID).
			Str("type", req.Item.Type).
			Msg("Observer failed")
		return engine.Observation{
			Status:   engine.StatusUnknown,
			Evidence: engine.Map{"error": engine.String(err.Error())},
		}
	}

	if err := result.Status.Validate(); err != nil {
		return engine.Observation{
			Status: engine.StatusUnknown,
			Evidence: engine.Map{
				"error": engine.String(err.Error()),
			},
		}
	}
	if result.Evidence == nil {
		result.Evidence = engine.Map{}
	}
	return result
}

// Close releases observers that hold resources, such as plugin runtimes.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for stateType, e := range r.observers {
		var err error
		switch c := e.observer.(type) {
		case interface{ Close(context.Context) error }:
			err = c.Close(ctx)
		case io.Closer:
			err = c.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close observer %s: %w", stateType, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing observers: %v", errs)
	}
	return nil
}
