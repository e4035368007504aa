package transport

import (
	"net"

	"github.com/rs/xid"
)

// Client pairs a dialed Endpoint with the UDP socket it owns, so callers
// have a single Close to tear both down.
type Client struct {
	*Endpoint
	conn net.PacketConn
}

// Dial opens a UDP socket bound to an ephemeral local port, latches server
// as the peer, and starts a read loop feeding received datagrams to the
// returned Client's Endpoint. The connection id is freshly minted for each
// Dial; it is carried on the wire but is not checked on receipt, and the
// server keys its sessions by source address.
func Dial(server string, opts ...Option) (*Client, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return DialConn(conn, server, opts...)
}

// DialConn is Dial with the caller supplying the PacketConn, so it can be a
// lossy.Conn or other wrapper instead of a bare UDP socket.
func DialConn(conn net.PacketConn, server string, opts ...Option) (*Client, error) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		conn.Close()
		return nil, err
	}

	connID := connIDFromXID(xid.New())
	e := New(conn, connID, append([]Option{WithPeer(addr)}, opts...)...)

	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			datagram := make([]byte, n)
			copy(datagram, buf[:n])
			e.HandlePacket(datagram, from)
		}
	}()

	return &Client{Endpoint: e, conn: conn}, nil
}

// Close shuts down the endpoint's timer loop and closes its UDP socket,
// which also unblocks its read loop goroutine.
func (c *Client) Close() {
	c.Endpoint.Close()
	c.conn.Close()
}

// connIDFromXID folds a 12-byte xid down to the wire format's 32-bit
// connection id by XORing its four-byte words together.
func connIDFromXID(id xid.ID) uint32 {
	b := id.Bytes()
	var v uint32
	for i := 0; i < len(b); i += 4 {
		var word uint32
		for j := 0; j < 4 && i+j < len(b); j++ {
			word = word<<8 | uint32(b[i+j])
		}
		v ^= word
	}
	return v
}
