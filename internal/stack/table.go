package stack

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/postalsys/stunwire/internal/stun"
)

// table holds the live transactions, client and server sides keyed
// separately by transaction ID. Client entries are removed explicitly on
// the terminal transition; server entries age out of an expirable LRU
// after the retention window, or oldest-first when the store is full.
//
// The table lock covers only membership. Per-transaction state is guarded
// by the transaction's own mutex so unrelated transactions never
// serialize on each other.
type table struct {
	mu      sync.RWMutex
	clients map[stun.TransactionID]*clientTransaction
	servers *expirable.LRU[stun.TransactionID, *serverTransaction]
}

func newTable(retention time.Duration, size int) *table {
	return &table{
		clients: make(map[stun.TransactionID]*clientTransaction),
		servers: expirable.NewLRU[stun.TransactionID, *serverTransaction](size, nil, retention),
	}
}

// insertClient registers a client transaction, rejecting ID collisions.
func (tb *table) insertClient(t *clientTransaction) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if _, ok := tb.clients[t.id]; ok {
		return fmt.Errorf("%w: client %s", ErrDuplicateTransaction, t.id.ShortString())
	}
	tb.clients[t.id] = t
	return nil
}

func (tb *table) lookupClient(id stun.TransactionID) (*clientTransaction, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	t, ok := tb.clients[id]
	return t, ok
}

func (tb *table) removeClient(id stun.TransactionID) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if _, ok := tb.clients[id]; !ok {
		return false
	}
	delete(tb.clients, id)
	return true
}

// clientSnapshot returns the live client transactions at this instant.
// Callers re-validate through each transaction's own terminal check.
func (tb *table) clientSnapshot() []*clientTransaction {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	out := make([]*clientTransaction, 0, len(tb.clients))
	for _, t := range tb.clients {
		out = append(out, t)
	}
	return out
}

// insertServer registers a server transaction. When two receive goroutines
// race on the same transaction ID the loser gets the winner's entry back
// so both datagrams funnel into one transaction.
func (tb *table) insertServer(t *serverTransaction) (*serverTransaction, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if existing, ok := tb.servers.Get(t.id); ok {
		return existing, false
	}
	tb.servers.Add(t.id, t)
	return t, true
}

func (tb *table) lookupServer(id stun.TransactionID) (*serverTransaction, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	return tb.servers.Get(id)
}

// clear drops every entry. Shutdown cancels client transactions before
// calling this, so no timer resurrects a dropped entry.
func (tb *table) clear() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.clients = make(map[stun.TransactionID]*clientTransaction)
	tb.servers.Purge()
}

func (tb *table) clientCount() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	return len(tb.clients)
}

func (tb *table) serverCount() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	return tb.servers.Len()
}
