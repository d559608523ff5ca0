// Package metadata keeps the sender's table of in-flight products: what
// was multicast, how big it is, which back-channel connections have not
// yet finished retransmission for it, and when the sender stops caring.
//
// The store is guarded by a reader-writer lock. Lookups take the read
// lock; map insert/erase, unfinished-set mutation, and deadline and stats
// updates take the write lock. The
// lock is never held across I/O — Erase and RemoveFinishedReceiver hand
// the removed product back to the caller so backing handles are closed
// outside the critical section.
package metadata

import (
	"sync"
	"time"
)

// Kind says where a product's bytes live.
type Kind int

const (
	// Memory products are backed by a caller-owned byte slice.
	Memory = Kind(iota)
	// File products are backed by a file on disk.
	File
)

// Stats accumulates per-product transfer counters on the sender.
type Stats struct {
	SentPackets    uint64
	SentBytes      uint64
	RetransPackets uint64
	RetransBytes   uint64
	TransTime      time.Duration
}

// Product is the sender-side metadata for one in-flight product. The
// unfinished set is keyed by back-channel connection id.
type Product struct {
	ID    uint32
	Size  int64
	Kind  Kind
	Path  string // file products
	Data  []byte // memory products
	Name  string
	Start time.Time

	// Deadline is the absolute time after which the sender abandons
	// retransmission for this product. The zero value means the deadline
	// has not been computed yet (multicast still in progress) and the
	// product never reads as expired.
	Deadline time.Time

	Stats      Stats
	unfinished map[string]struct{}
}

// NewProduct builds metadata with the unfinished-receiver set snapshotted
// from conns.
func NewProduct(id uint32, kind Kind, size int64, conns []string) *Product {
	p := &Product{
		ID:         id,
		Kind:       kind,
		Size:       size,
		Start:      time.Now(),
		unfinished: make(map[string]struct{}, len(conns)),
	}
	for _, c := range conns {
		p.unfinished[c] = struct{}{}
	}
	return p
}

// Store maps product id to metadata.
type Store struct {
	mu       sync.RWMutex
	products map[uint32]*Product
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{products: make(map[uint32]*Product)}
}

// Insert adds p to the store.
func (s *Store) Insert(p *Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// Get looks up a product. The returned pointer stays valid after Erase;
// callers must not mutate the unfinished set directly.
func (s *Store) Get(id uint32) (*Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	return p, ok
}

// Erase removes and returns the product so the caller can close its
// backing handle outside the lock. It returns nil if the id is unknown.
func (s *Store) Erase(id uint32) *Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.products[id]
	delete(s.products, id)
	return p
}

// SetDeadline records the product's retransmission deadline.
func (s *Store) SetDeadline(id uint32, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[id]; ok {
		p.Deadline = deadline
	}
}

// Expired reports whether the product exists and its deadline has passed.
func (s *Store) Expired(id uint32, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	return ok && !p.Deadline.IsZero() && now.After(p.Deadline)
}

// ExpiredProducts returns the ids of all products whose deadline has
// passed, together with the connection ids still unfinished for each.
func (s *Store) ExpiredProducts(now time.Time) map[uint32][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expired := make(map[uint32][]string)
	for id, p := range s.products {
		if !p.Deadline.IsZero() && now.After(p.Deadline) {
			conns := make([]string, 0, len(p.unfinished))
			for c := range p.unfinished {
				conns = append(conns, c)
			}
			expired[id] = conns
		}
	}
	return expired
}

// RemoveFinishedReceiver removes conn from the product's unfinished set.
// When the set becomes empty the product is erased from the store and
// returned so the caller can release its backing handle and signal
// completion outside the lock. Otherwise it returns nil.
func (s *Store) RemoveFinishedReceiver(id uint32, conn string) *Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil
	}
	delete(p.unfinished, conn)
	if len(p.unfinished) == 0 {
		delete(s.products, id)
		return p
	}
	return nil
}

// RemoveConnection drops conn from every product's unfinished set, as
// when a back-channel connection dies. Products whose sets become empty
// are erased and returned for out-of-lock cleanup.
func (s *Store) RemoveConnection(conn string) []*Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	var done []*Product
	for id, p := range s.products {
		delete(p.unfinished, conn)
		if len(p.unfinished) == 0 {
			delete(s.products, id)
			done = append(done, p)
		}
	}
	return done
}

// EraseIfFinished erases and returns the product if its unfinished set is
// already empty, as happens when a product was multicast with no
// back-channel connections up. It returns nil otherwise.
func (s *Store) EraseIfFinished(id uint32) *Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok || len(p.unfinished) > 0 {
		return nil
	}
	delete(s.products, id)
	return p
}

// AddRetransStats accumulates retransmission counters for a product.
func (s *Store) AddRetransStats(id uint32, packets, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[id]; ok {
		p.Stats.RetransPackets += packets
		p.Stats.RetransBytes += bytes
	}
}

// IsTransferFinished reports whether the product is gone from the store,
// meaning every receiver finished or the deadline fired.
func (s *Store) IsTransferFinished(id uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.products[id]
	return !ok
}

// Len returns the number of in-flight products.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.products)
}
