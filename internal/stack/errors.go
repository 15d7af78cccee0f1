package stack

import "errors"

var (
	// ErrTransactionNotFound is returned by SendResponse when no server
	// transaction exists for the response's transaction ID, either because
	// no such request arrived or because the entry already expired.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateTransaction is returned when a transaction ID collides
	// with one that is already live on the same side of the table, or when
	// a server transaction is answered a second time.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrShutdown is returned by operations that require a running stack.
	ErrShutdown = errors.New("stack is not running")

	// ErrUnknownSocket is returned when a send names a local address that
	// has no attached socket.
	ErrUnknownSocket = errors.New("no socket for local address")
)
