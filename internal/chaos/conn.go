package chaos

import (
	"net"
	"time"
)

// PacketConn wraps a net.PacketConn and applies an injector's faults.
// Writes roll for drop, duplication, and delay; reads roll for drop and
// delay. Duplicates are only injected on the write path. A delayed write
// returns immediately and the late write error, if any, is discarded.
type PacketConn struct {
	net.PacketConn
	inj *Injector
}

// Wrap attaches the injector to a packet connection.
func Wrap(pc net.PacketConn, inj *Injector) *PacketConn {
	return &PacketConn{PacketConn: pc, inj: inj}
}

// WriteTo sends a datagram, subject to fault injection.
func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.inj.MaybeDrop() {
		// Pretend the datagram went out: lost on the wire.
		return len(p), nil
	}

	copies := 1
	if c.inj.MaybeDuplicate() {
		copies = 2
	}

	if d := c.inj.MaybeDelay(); d > 0 {
		buf := make([]byte, len(p))
		copy(buf, p)
		for i := 0; i < copies; i++ {
			time.AfterFunc(d, func() {
				c.PacketConn.WriteTo(buf, addr)
			})
		}
		return len(p), nil
	}

	n, err := c.PacketConn.WriteTo(p, addr)
	for i := 1; i < copies && err == nil; i++ {
		n, err = c.PacketConn.WriteTo(p, addr)
	}
	return n, err
}

// ReadFrom receives a datagram, subject to fault injection. Dropped
// datagrams are consumed and the read blocks for the next one.
func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(p)
		if err != nil {
			return n, addr, err
		}
		if c.inj.MaybeDrop() {
			continue
		}
		if d := c.inj.MaybeDelay(); d > 0 {
			time.Sleep(d)
		}
		return n, addr, nil
	}
}
