package transport

import "net"

// Lossy wraps an Endpoint and silently drops every Nth datagram sent
// through it, in both directions, for deterministic tests of the
// congestion-control and retransmit paths against a reproducible loss
// pattern rather than a real flaky network.
type Lossy struct {
	Endpoint
	DropEvery int
	sendCount int
	recvCount int
}

func NewLossy(e Endpoint, dropEvery int) *Lossy {
	return &Lossy{Endpoint: e, DropEvery: dropEvery}
}

func (l *Lossy) Send(b []byte, addr *net.UDPAddr) error {
	l.sendCount++
	if l.DropEvery > 0 && l.sendCount%l.DropEvery == 0 {
		return nil
	}
	return l.Endpoint.Send(b, addr)
}

func (l *Lossy) Receive(buf []byte) (int, *net.UDPAddr, error) {
	for {
		n, addr, err := l.Endpoint.Receive(buf)
		if err != nil {
			return n, addr, err
		}
		l.recvCount++
		if l.DropEvery > 0 && l.recvCount%l.DropEvery == 0 {
			continue
		}
		return n, addr, err
	}
}
