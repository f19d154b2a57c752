package generation

import "sync"

var (
	typesMu sync.RWMutex
	types   = make(map[string]*Type)
)

// Register adds a driver type to the process-wide type map. Registering two
// types with the same id panics; type ids are wired at startup.
func Register(t *Type) {
	typesMu.Lock()
	defer typesMu.Unlock()
	if _, exists := types[t.ID]; exists {
		panic("generation: duplicate driver type " + t.ID)
	}
	types[t.ID] = t
}

// TypeByID resolves a registered driver type.
func TypeByID(id string) (*Type, bool) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	t, ok := types[id]
	return t, ok
}

// Types returns a copy of the registered type map.
func Types() map[string]*Type {
	typesMu.RLock()
	defer typesMu.RUnlock()
	out := make(map[string]*Type, len(types))
	for id, t := range types {
		out[id] = t
	}
	return out
}
