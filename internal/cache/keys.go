package cache

// Named caches owned by the bridge. They are logically independent mappings,
// each with its own TTL and capacity.
const (
	// States holds per-entity states, the all-entities snapshot and group views.
	States = "states"
	// Services holds the upstream service registry.
	Services = "services"
	// Config holds the upstream configuration document.
	Config = "config"
)

// Well-known keys shared by the HTTP handlers and the event-driven policy.
// Keys follow the <operation>:<argument> convention.
const (
	KeyAllStates = "get_all_states"
	KeyServices  = "get_services"
	KeyConfig    = "get_config"
)

// StateKey returns the per-entity key in the states cache.
func StateKey(entityID string) string {
	return "get_state:" + entityID
}

// GroupKeyPrefix returns the key prefix for cached group views of a domain.
// Group keys contain the domain, so pattern invalidation on this prefix
// cascades one entity change to every view mentioning its domain.
func GroupKeyPrefix(domain string) string {
	return "group:" + domain
}
