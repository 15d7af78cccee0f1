// Package stack implements the STUN transaction engine: the concurrent,
// timer-driven state machine that correlates inbound STUN messages with
// outstanding requests and drives RFC 5389 retransmission.
//
// The engine tracks two kinds of transactions:
//   - Client transactions, created by SendRequest, retransmit an encoded
//     request on an exponential backoff schedule until a matching response
//     arrives, the schedule is exhausted, or the destination is reported
//     unreachable. Exactly one terminal callback reaches the collector.
//   - Server transactions, created when a request with a fresh transaction
//     ID arrives, suppress duplicate requests and replay the cached response
//     verbatim once SendResponse has answered them.
//
// Sockets are attached with AddSocket or AddPacketConn; each delivers
// inbound datagrams to HandleDatagram, which decodes and demultiplexes by
// message class. Indications bypass the transaction table entirely.
//
// # Lifecycle
//
//  1. New creates a stopped stack from an explicit Config
//  2. Start moves it to running; sockets and requests are accepted
//  3. SendRequest registers a client transaction and sends attempt one
//  4. Responses, timeouts, and unreachable notices terminate transactions
//  5. Stop cancels outstanding transactions and closes every socket
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Collector and listener
// callbacks run on receive or timer goroutines under panic recovery; they
// must not block for long or the socket's receive loop stalls.
package stack
