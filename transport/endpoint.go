// Package transport provides the UDP datagram substrate the peer protocol
// runs over: a single bound socket and address resolution for peers named
// in the roster. Deciding what to do with a received datagram, and
// retrying or pacing sends, belongs to the caller.
package transport

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Endpoint is the datagram send/receive primitive the rest of the system
// is built on. It never interprets packet contents.
type Endpoint interface {
	// Send writes b as a single datagram to addr.
	Send(b []byte, addr *net.UDPAddr) error
	// Receive blocks until a datagram arrives, returning its bytes and the
	// sender's address. buf is reused across calls by the caller.
	Receive(buf []byte) (n int, addr *net.UDPAddr, err error)
	LocalAddr() *net.UDPAddr
	Close() error
}

// udpEndpoint binds a single UDP socket for both sending and receiving.
type udpEndpoint struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket on the given local port.
func Listen(port int) (Endpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "listening on udp socket")
	}
	return &udpEndpoint{conn: conn}, nil
}

func (e *udpEndpoint) Send(b []byte, addr *net.UDPAddr) error {
	_, err := e.conn.WriteToUDP(b, addr)
	return errors.Wrap(err, "sending udp datagram")
}

func (e *udpEndpoint) Receive(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return n, addr, errors.Wrap(err, "receiving udp datagram")
	}
	return n, addr, nil
}

func (e *udpEndpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

func (e *udpEndpoint) Close() error {
	return e.conn.Close()
}

// ResolvePeer resolves a roster host/port pair to a UDP address.
func ResolvePeer(host string, port int) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	return addr, errors.Wrapf(err, "resolving peer %s:%d", host, port)
}
