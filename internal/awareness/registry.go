// Package awareness tracks ephemeral per-client presence (cursors,
// selections, identity) for one note. Entries are never persisted and
// disappear only when Remove is called for their client (on disconnect);
// there is no staleness timeout.
package awareness

// Registry holds the latest raw awareness update published by each
// CRDT-layer client identifier. It never interprets the bytes — the
// coordinator records and relays them. It is not safe for concurrent use.
type Registry struct {
	entries map[uint32][]byte
}

// New creates an empty awareness registry.
func New() *Registry {
	return &Registry{entries: make(map[uint32][]byte)}
}

// Set records the latest awareness update published by a client.
func (r *Registry) Set(clientID uint32, update []byte) {
	r.entries[clientID] = update
}

// Remove drops a client's awareness entry, typically on disconnect.
func (r *Registry) Remove(clientID uint32) {
	delete(r.entries, clientID)
}

// Snapshot returns a copy of every currently known awareness update. The
// coordinator's join path does not replay these to a new session.
func (r *Registry) Snapshot() map[uint32][]byte {
	out := make(map[uint32][]byte, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Len reports the number of tracked clients.
func (r *Registry) Len() int {
	return len(r.entries)
}
