package p2pchunk

import (
	"net"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/dannyzb/p2pchunk/chunkstore"
	"github.com/dannyzb/p2pchunk/peerprotocol"
	"github.com/dannyzb/p2pchunk/transport"
)

// inboundDatagram is what the socket-reading goroutine hands to the
// event loop: nothing more than bytes and a sender, so that goroutine
// never has to know anything about connection or task state.
type inboundDatagram struct {
	data []byte
	addr *net.UDPAddr
}

// command is a line read from the command stream, handed to the event
// loop by the stdin-reading goroutine in the same fire-and-forget shape.
type command struct {
	line string
}

// Dispatcher is the single component that owns every piece of mutable
// state in the process: the roster, the chunk store, the
// HandshakeManager, the ReliableTransfer table, and the Scheduler. It is
// the only thing that runs the cooperative event loop, and the only
// thing that ever mutates any of the above — everything else in this
// package is a pure function of Dispatcher's call graph.
type Dispatcher struct {
	self   RosterIndex
	roster map[RosterIndex]*net.UDPAddr
	store  *chunkstore.Store

	endpoint transport.Endpoint

	handshake *HandshakeManager
	transfer  *ReliableTransfer
	scheduler *Scheduler

	logger log.Logger

	inbound  chan inboundDatagram
	commands chan command
	closed   chansync.SetOnce

	// CompletionSink receives a line per completed download task, the
	// external "completion stream" interface.
	CompletionSink func(line string)
}

func NewDispatcher(cfg Config, self RosterIndex, roster map[RosterIndex]*net.UDPAddr, store *chunkstore.Store, endpoint transport.Endpoint, logger log.Logger) *Dispatcher {
	d := &Dispatcher{
		self:     self,
		roster:   roster,
		store:    store,
		endpoint: endpoint,
		logger:   logger,
		inbound:  make(chan inboundDatagram),
		commands: make(chan command),
	}

	localHave := make(map[string]bool)
	for _, h := range store.Hashes() {
		localHave[h] = true
	}

	send := func(b []byte, addr *net.UDPAddr) error {
		return endpoint.Send(b, addr)
	}

	d.handshake = NewHandshakeManager(self, cfg.MaxConn, roster, localHave, send, logger)
	d.transfer = NewReliableTransfer(send, logger)
	for peer, addr := range roster {
		d.transfer.SetPeerAddr(peer, addr)
	}

	fixedRTO := g.Option[time.Duration]{}
	if v, ok := cfg.FixedTimeout.Get(); ok {
		fixedRTO.Set(v)
	}
	d.scheduler = NewScheduler(MaxConcurrentDownloads, d.handshake, d.transfer, fixedRTO)

	d.transfer.OnComplete = func(peer RosterIndex, hash string, data []byte) {
		store.Put(hash, data)
		d.handshake.localHave[hash] = true
		d.scheduler.handleChunkComplete(peer, hash, data)
	}
	d.transfer.OnFailed = func(peer RosterIndex, hash string, err error) {
		if _, open := d.transfer.lookup(peer, hash, DirectionUpload); !open {
			d.handshake.ReleaseUpload(peer, hash)
		}
		d.scheduler.handleChunkFailed(peer, hash, err)
	}

	d.scheduler.OnTaskComplete = func(task *DownloadTask) {
		d.completeTask(task)
	}
	d.scheduler.OnTaskFailed = func(task *DownloadTask, err error) {
		d.logger.Levelf(log.Warning, "task %s failed: %v", task.OutputPath, err)
	}

	return d
}

// completeTask persists a finished task's chunk map to its output path,
// using the same gob encoding as the chunk store so the file round-trips
// with chunkstore's loader, then emits the completion-stream line. A
// write failure is a Task-kind error: logged as a warning, the task is
// abandoned without ever emitting "GOT".
func (d *Dispatcher) completeTask(task *DownloadTask) {
	if err := chunkstore.NewFileBackend(task.OutputPath).Save(task.chunks); err != nil {
		d.logger.Levelf(log.Warning, "writing output %s: %v", task.OutputPath, err)
		return
	}
	if d.CompletionSink == nil {
		return
	}
	d.CompletionSink("GOT " + task.OutputPath)
}

// RunReaders starts the two blocking-I/O goroutines that feed the event
// loop: one reading datagrams off the socket, one reading command lines.
// Neither goroutine touches Dispatcher state directly; they only forward
// what they read over a channel, preserving the single-mutator
// invariant the event loop depends on.
func (d *Dispatcher) RunReaders(lines <-chan string) {
	go d.readDatagrams()
	go d.readCommands(lines)
}

func (d *Dispatcher) readDatagrams() {
	buf := make([]byte, peerprotocol.MaxDatagram)
	for {
		n, addr, err := d.endpoint.Receive(buf)
		if err != nil {
			if d.closed.IsSet() {
				return
			}
			d.logger.Levelf(log.Debug, "receive error: %v", err)
			continue
		}
		cp := append([]byte(nil), buf[:n]...)
		select {
		case d.inbound <- inboundDatagram{data: cp, addr: addr}:
		case <-d.closed.Done():
			return
		}
	}
}

func (d *Dispatcher) readCommands(lines <-chan string) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			select {
			case d.commands <- command{line: line}:
			case <-d.closed.Done():
				return
			}
		case <-d.closed.Done():
			return
		}
	}
}

// Run is the cooperative event loop: a single select over the datagram
// channel, the command channel, and a poll-interval ticker that drives
// every periodic housekeeping pass (timeouts, WHOHAS rebroadcast,
// connection/task cleanup). Nothing here spawns a goroutine or touches a
// lock; it is the only place Dispatcher's state is mutated.
func (d *Dispatcher) Run() {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	var lastWhoHas, lastCleanup time.Time

	for {
		select {
		case dg := <-d.inbound:
			d.handleDatagram(dg)
		case cmd := <-d.commands:
			d.handleCommand(cmd)
		case now := <-ticker.C:
			d.transfer.HandleTimeouts(now)
			d.scheduler.Retry(now)
			if now.Sub(lastWhoHas) >= WhoHasInterval {
				if err := d.scheduler.RebroadcastWhoHas(now); err != nil {
					d.logger.Levelf(log.Debug, "whohas rebroadcast: %v", err)
				}
				d.handshake.Cleanup(now, WhoHasInterval)
				lastWhoHas = now
			}
			if now.Sub(lastCleanup) >= ConnectionCleanupInterval {
				d.transfer.Cleanup(now, DownloadInactivityTimeout)
				d.scheduler.Cleanup(now, DownloadInactivityTimeout)
				lastCleanup = now
			}
		case <-d.closed.Done():
			return
		}
	}
}

func (d *Dispatcher) peerOf(addr *net.UDPAddr) (RosterIndex, bool) {
	for peer, a := range d.roster {
		if a.IP.Equal(addr.IP) && a.Port == addr.Port {
			return peer, true
		}
	}
	return 0, false
}

func (d *Dispatcher) handleDatagram(dg inboundDatagram) {
	now := time.Now()
	pkt, err := peerprotocol.Decode(dg.data)
	if err != nil {
		d.logger.Levelf(log.Debug, "decode error from %v: %v", dg.addr, err)
		return
	}
	peer, ok := d.peerOf(dg.addr)
	if !ok {
		d.logger.Levelf(log.Debug, "datagram from unrecognized address %v", dg.addr)
		return
	}
	switch pkt.Header.Type {
	case peerprotocol.WhoHas:
		if err := d.handshake.HandleWhoHas(peer, pkt); err != nil {
			d.logger.Levelf(log.Debug, "whohas from %d: %v", peer, err)
		}
	case peerprotocol.IHave:
		d.handshake.HandleIHave(peer, pkt)
	case peerprotocol.Get:
		hash, admitted, err := d.handshake.HandleGet(peer, pkt)
		if err != nil {
			d.logger.Levelf(log.Debug, "get from %d: %v", peer, err)
			return
		}
		if admitted {
			data, ok := d.store.Get(hash)
			if !ok {
				d.handshake.ReleaseUpload(peer, hash)
				return
			}
			d.transfer.StartUpload(peer, hash, data, d.scheduler.fixedRTO)
		}
	case peerprotocol.Data:
		hash := currentDownloadHash(d.scheduler, peer)
		if hash == "" {
			return
		}
		if err := d.transfer.HandleData(peer, pkt, hash, now); err != nil {
			d.logger.Levelf(log.Debug, "data from %d: %v", peer, err)
		}
	case peerprotocol.Ack:
		hash := currentUploadHash(d.transfer, peer)
		if hash == "" {
			return
		}
		if err := d.transfer.HandleAck(peer, pkt, hash, now); err != nil {
			d.logger.Levelf(log.Debug, "ack from %d: %v", peer, err)
		}
		if _, open := d.transfer.lookup(peer, hash, DirectionUpload); !open {
			d.handshake.ReleaseUpload(peer, hash)
		}
	case peerprotocol.Denied:
		d.handshake.HandleDenied(peer)
	}
}

// currentDownloadHash and currentUploadHash resolve which Connection a
// bare DATA/ACK packet belongs to. The wire format carries no chunk hash
// on these two message types (only a sequence number), so a peer that
// has at most one active transfer per direction with us is assumed, per
// the protocol's design: simultaneous transfers of different chunks with
// the same peer in the same direction are not distinguished on the wire.
func currentDownloadHash(s *Scheduler, peer RosterIndex) string {
	for _, t := range s.tasks {
		for h, p := range t.inFlight {
			if p == peer {
				return h
			}
		}
	}
	return ""
}

func currentUploadHash(rt *ReliableTransfer, peer RosterIndex) string {
	for k, c := range rt.conns {
		if k.peer == peer && k.dir == DirectionUpload && c.State == StateTransferring {
			return k.hash
		}
	}
	return ""
}

func (d *Dispatcher) handleCommand(cmd command) {
	req, err := ParseDownloadCommand(cmd.line)
	if err != nil {
		d.logger.Levelf(log.Warning, "bad command %q: %v", cmd.line, err)
		return
	}
	hashes, err := chunkstore.LoadChunklist(req.ChunklistPath)
	if err != nil {
		d.logger.Levelf(log.Warning, "reading chunklist %s: %v", req.ChunklistPath, err)
		return
	}
	preload := make(map[string][]byte)
	for _, h := range hashes {
		if data, ok := d.store.Get(h); ok {
			preload[h] = data
		}
	}
	if _, err := d.scheduler.StartDownload(req.OutputPath, hashes, preload, time.Now()); err != nil {
		d.logger.Levelf(log.Warning, "starting download %s: %v", req.OutputPath, err)
	}
}

// Close stops the event loop and both reader goroutines.
func (d *Dispatcher) Close() error {
	if d.closed.IsSet() {
		return nil
	}
	d.closed.Set()
	return errors.Wrap(d.endpoint.Close(), "closing endpoint")
}
