// Package seen remembers the display name last announced by each node.
//
// Entries are added when a node-info payload is decoded and are consulted to
// annotate the sender of every later record. Names never expire and are not
// persisted; a restart starts from an empty cache.
package seen

import "sync"

// Names is a concurrent-safe node number to short name store.
type Names struct {
	mu    sync.RWMutex
	names map[uint32]string
}

// New creates an empty Names cache.
func New() *Names {
	return &Names{names: make(map[uint32]string)}
}

// Get returns the name last set for node.
func (n *Names) Get(node uint32) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	name, ok := n.names[node]
	return name, ok
}

// Set records name for node, replacing any earlier name.
func (n *Names) Set(node uint32, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.names == nil {
		n.names = make(map[uint32]string)
	}
	n.names[node] = name
}

// Len returns the number of known nodes.
func (n *Names) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.names)
}
