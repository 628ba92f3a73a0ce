package eventstream

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/l0p7/habridge/internal/cache"
	"github.com/l0p7/habridge/internal/config"
	"github.com/l0p7/habridge/internal/expr"
	"github.com/l0p7/habridge/internal/metrics"
)

// Policy applies upstream events to the named caches. A state change updates
// the per-entity entry in place when a fresh state is attached, otherwise the
// stale entry is dropped; either way the all-states snapshot and every group
// view mentioning the entity's domain are invalidated, since their contents
// just changed upstream. Service registry events clear the services cache
// wholesale rather than patching it.
type Policy struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	caches  *cache.Manager
	env     *expr.Environment

	// updateCache selects the update strategy (write the fresh state in
	// place); false selects the invalidate strategy (drop the entry and let
	// the next read re-fetch).
	updateCache bool

	mu     sync.RWMutex
	filter config.FilterConfig
	prog   expr.Program
	hasCEL bool
}

// NewPolicy builds the policy with its initial filter. The CEL environment is
// shared across filter reloads; only the compiled program changes.
func NewPolicy(logger *slog.Logger, recorder *metrics.Recorder, caches *cache.Manager, updateCache bool, filter config.FilterConfig) (*Policy, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	p := &Policy{
		logger:      logger.With(slog.String("agent", "policy")),
		metrics:     recorder,
		caches:      caches,
		env:         env,
		updateCache: updateCache,
	}
	if err := p.SetFilter(filter); err != nil {
		return nil, err
	}
	return p, nil
}

// SetFilter swaps the event filter atomically, recompiling the CEL expression
// when one is configured. Invalid filters are rejected and the previous filter
// stays in effect, which is what the hot-reload path relies on.
func (p *Policy) SetFilter(filter config.FilterConfig) error {
	var prog expr.Program
	hasCEL := false
	if filter.Enabled && strings.TrimSpace(filter.Expression) != "" {
		compiled, err := p.env.Compile(filter.Expression)
		if err != nil {
			return err
		}
		prog = compiled
		hasCEL = true
	}

	p.mu.Lock()
	p.filter = filter
	p.prog = prog
	p.hasCEL = hasCEL
	p.mu.Unlock()

	p.logger.Info("event filter updated",
		slog.Bool("enabled", filter.Enabled),
		slog.Int("entity_prefixes", len(filter.EntityPrefixes)),
		slog.Int("exclude_domains", len(filter.ExcludeDomains)),
		slog.Bool("expression", hasCEL))
	return nil
}

// Filter returns the active filter for status reporting.
func (p *Policy) Filter() config.FilterConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filter
}

// HandleEvent applies one upstream event to the caches.
func (p *Policy) HandleEvent(ev Event) {
	switch ev.EventType {
	case EventStateChanged:
		p.handleStateChanged(ev.Data)
	case EventServiceRegistered, EventServiceRemoved:
		p.caches.Clear(cache.Services)
		p.metrics.ObserveCache(cache.Services, metrics.CacheOperationInvalidate, "cleared")
		p.logger.Debug("service registry changed, services cache cleared",
			slog.String("event_type", ev.EventType))
	default:
		p.logger.Debug("ignoring event", slog.String("event_type", ev.EventType))
	}
}

func (p *Policy) handleStateChanged(data EventData) {
	entityID := data.EntityID
	if entityID == "" {
		return
	}
	domain := entityDomain(entityID)

	if !p.admits(entityID, domain) {
		p.logger.Debug("event filtered out", slog.String("entity_id", entityID))
		return
	}

	key := cache.StateKey(entityID)
	switch {
	case rawNull(data.NewState):
		// Entity removed upstream; the cached copy must not outlive it.
		p.caches.Delete(cache.States, key)
		p.metrics.ObserveCache(cache.States, metrics.CacheOperationDelete, "removed")
	case p.updateCache && p.caches.Set(cache.States, key, data.NewState):
		p.metrics.ObserveCache(cache.States, metrics.CacheOperationSet, "updated")
	default:
		// Invalidate strategy, or the write was rejected; either way no
		// stale copy may survive.
		p.caches.Delete(cache.States, key)
		p.metrics.ObserveCache(cache.States, metrics.CacheOperationDelete, "invalidated")
	}

	p.caches.Delete(cache.States, cache.KeyAllStates)
	invalidated := p.caches.InvalidatePattern(cache.States, cache.GroupKeyPrefix(domain))
	p.metrics.ObserveCache(cache.States, metrics.CacheOperationInvalidate, "cascade")

	p.logger.Debug("state change applied",
		slog.String("entity_id", entityID),
		slog.String("domain", domain),
		slog.Int("group_keys_invalidated", invalidated))
}

// admits decides whether a state change passes the configured filter. The
// filter only suppresses cache writes; a CEL evaluation error fails open so a
// bad expression degrades to extra cache traffic, never to stale data.
func (p *Policy) admits(entityID, domain string) bool {
	p.mu.RLock()
	filter := p.filter
	prog := p.prog
	hasCEL := p.hasCEL
	p.mu.RUnlock()

	if !filter.Enabled {
		return true
	}
	for _, excluded := range filter.ExcludeDomains {
		if domain == excluded {
			return false
		}
	}
	if len(filter.EntityPrefixes) > 0 {
		matched := false
		for _, prefix := range filter.EntityPrefixes {
			if strings.HasPrefix(entityID, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if hasCEL {
		ok, err := prog.EvalBool(entityID, domain)
		if err != nil {
			p.logger.Warn("filter expression failed, admitting event",
				slog.String("entity_id", entityID), slog.Any("error", err))
			return true
		}
		return ok
	}
	return true
}

// entityDomain extracts the domain from an entity id like "light.kitchen".
func entityDomain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return entityID
}
