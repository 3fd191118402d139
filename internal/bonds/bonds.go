// Package bonds narrows bond storage (§6, "bond storage" external
// collaborator) to the one query CSIS actually needs: whether a peer is a
// bonded device worth carrying a pending-notification slot for. Persistence
// format and lifecycle are the host's concern, left opaque per spec §3.7.
package bonds

import "github.com/doismellburning/ble-audio-gatt/internal/gatt"

// Store answers bond-membership questions. A real host backs this with
// whatever persistent bond table its stack already maintains.
type Store interface {
	IsBonded(addr gatt.Addr) bool
}

// StaticStore is an in-memory Store for tests and the demonstration
// commands: a fixed set of addresses, set up once at construction.
type StaticStore struct {
	bonded map[gatt.Addr]bool
}

func NewStaticStore(addrs ...gatt.Addr) *StaticStore {
	s := &StaticStore{bonded: make(map[gatt.Addr]bool, len(addrs))}
	for _, a := range addrs {
		s.bonded[a] = true
	}
	return s
}

func (s *StaticStore) IsBonded(addr gatt.Addr) bool { return s.bonded[addr] }

// Add marks addr bonded, e.g. after a pairing_complete(conn, bonded) event.
func (s *StaticStore) Add(addr gatt.Addr) { s.bonded[addr] = true }

// Remove clears a bond, e.g. on an explicit unpair.
func (s *StaticStore) Remove(addr gatt.Addr) { delete(s.bonded, addr) }
