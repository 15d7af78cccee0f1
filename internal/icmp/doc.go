// Package icmp watches for ICMP Destination Unreachable messages and feeds
// them into the transaction engine's unreachable path, so a request to a
// dead port fails fast instead of burning through its full retransmission
// schedule.
//
// # Socket Modes
//
// The watcher prefers a raw ICMP socket ("ip4:icmp"), which sees every
// Destination Unreachable the host receives but needs root or CAP_NET_RAW.
// Without that it falls back to an unprivileged datagram ICMP socket
// ("udp4"), which on Linux requires the ping_group_range sysctl:
//
//	sysctl -w net.ipv4.ping_group_range="0 65535"
//
// and delivers only a kernel-filtered subset of ICMP traffic.
//
// # Graceful Degradation
//
// When neither socket can be opened the watcher reports ErrUnsupported and
// stays inactive. The engine still works; transactions to unreachable
// destinations simply time out on schedule instead of failing early.
package icmp
