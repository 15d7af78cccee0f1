package stack

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/postalsys/stunwire/internal/stun"
)

// serverTransaction tracks one inbound request: duplicates of it are
// suppressed while the answer is pending and replayed verbatim once
// SendResponse has cached the encoded response.
type serverTransaction struct {
	id     stun.TransactionID
	method stun.Method
	local  netip.AddrPort
	remote netip.AddrPort

	mu         sync.Mutex
	response   []byte
	duplicates int
}

func newServerTransaction(req *stun.Message, local, remote netip.AddrPort) *serverTransaction {
	return &serverTransaction{
		id:     req.TransactionID,
		method: req.Method,
		local:  local,
		remote: remote,
	}
}

// answer caches the encoded response. A server transaction is answered at
// most once; the cached bytes are what duplicates replay.
func (t *serverTransaction) answer(raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.response != nil {
		return fmt.Errorf("%w: %s already answered", ErrDuplicateTransaction, t.id.ShortString())
	}
	t.response = raw
	return nil
}

// duplicate records a repeated request and returns the cached response to
// replay, or nil while the transaction is still awaiting its answer.
func (t *serverTransaction) duplicate() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.duplicates++
	return t.response
}

// duplicateCount returns how many duplicates arrived so far.
func (t *serverTransaction) duplicateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.duplicates
}
