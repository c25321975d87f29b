package p2pchunk

import (
	"encoding/hex"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/dannyzb/p2pchunk/peerprotocol"
)

// HandshakeRequest tracks one outstanding WHOHAS broadcast for a set of
// hashes this peer still needs, and the responders seen for each.
type HandshakeRequest struct {
	Hashes     []string
	responders map[string]*roaring.Bitmap // hash -> roster indices that answered IHAVE
	sentAt     time.Time
}

// admission tracks one peer's currently admitted uploads, bounded by
// Config.MaxConn.
type admission struct {
	active map[string]bool // hash -> true while upload in progress
}

// HandshakeManager discovers which peers hold which chunks (WHOHAS/IHAVE)
// and arbitrates upload admission for incoming GET requests
// (GET -> DATA stream start, or silent refusal).
type HandshakeManager struct {
	self    RosterIndex
	maxConn int
	roster  map[RosterIndex]*net.UDPAddr

	requests  map[string]*HandshakeRequest // hash -> outstanding WHOHAS
	admitted  map[RosterIndex]*admission   // per-peer admitted uploads
	localHave map[string]bool              // chunks this peer holds

	send   func(b []byte, addr *net.UDPAddr) error
	logger log.Logger

	// OnResponder fires the first time each peer answers IHAVE for a hash
	// this peer is still seeking, so the Scheduler can record it as a
	// candidate and issue GET.
	OnResponder func(hash string, peer RosterIndex)
}

func NewHandshakeManager(self RosterIndex, maxConn int, roster map[RosterIndex]*net.UDPAddr, localHave map[string]bool, send func([]byte, *net.UDPAddr) error, logger log.Logger) *HandshakeManager {
	return &HandshakeManager{
		self:      self,
		maxConn:   maxConn,
		roster:    roster,
		requests:  make(map[string]*HandshakeRequest),
		admitted:  make(map[RosterIndex]*admission),
		localHave: localHave,
		send:      send,
		logger:    logger,
	}
}

// BroadcastWhoHas sends a WHOHAS for hashes to every peer in the roster
// except self, and begins tracking responders.
func (hm *HandshakeManager) BroadcastWhoHas(hashes []string, now time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	raw := make([][20]byte, len(hashes))
	for i, h := range hashes {
		b, err := hexToHash(h)
		if err != nil {
			return errors.Wrapf(err, "encoding whohas hash %s", h)
		}
		raw[i] = b
		if _, ok := hm.requests[h]; !ok {
			hm.requests[h] = &HandshakeRequest{Hashes: []string{h}, responders: map[string]*roaring.Bitmap{h: roaring.New()}}
		}
		hm.requests[h].sentAt = now
	}
	pkt, err := peerprotocol.EncodeWhoHas(raw)
	if err != nil {
		return errors.Wrap(err, "encoding whohas")
	}
	for peer, addr := range hm.roster {
		if peer == hm.self {
			continue
		}
		if err := hm.send(pkt, addr); err != nil {
			hm.logger.Levelf(log.Debug, "send whohas to peer %d: %v", peer, err)
		}
	}
	return nil
}

// HandleWhoHas answers an inbound WHOHAS with IHAVE for whichever
// requested hashes this peer actually holds. If this peer is at its
// global upload-admission limit, or holds none of the requested hashes,
// it replies DENIED instead.
func (hm *HandshakeManager) HandleWhoHas(from RosterIndex, pkt peerprotocol.Packet) error {
	addr, ok := hm.roster[from]
	if !ok {
		return WrapKind(KindProtocol, errors.Errorf("whohas from unknown peer %d", from), "handle whohas")
	}
	if hm.totalActiveUploads() >= hm.maxConn {
		return hm.send(peerprotocol.EncodeDenied(), addr)
	}
	var have [][20]byte
	for _, raw := range pkt.Hashes {
		h := hashToHex(raw)
		if hm.localHave[h] {
			have = append(have, raw)
		}
	}
	if len(have) == 0 {
		return hm.send(peerprotocol.EncodeDenied(), addr)
	}
	ihave, err := peerprotocol.EncodeIHave(have)
	if err != nil {
		return errors.Wrap(err, "encoding ihave")
	}
	return hm.send(ihave, addr)
}

// totalActiveUploads returns the number of upload connections currently
// admitted across all peers. MaxConn is a global cap, not a per-peer one.
func (hm *HandshakeManager) totalActiveUploads() int {
	n := 0
	for _, a := range hm.admitted {
		n += len(a.active)
	}
	return n
}

// HandleIHave records from as a responder for every claimed hash this peer
// is still actively seeking, and notifies OnResponder the first time from
// answers for that hash.
func (hm *HandshakeManager) HandleIHave(from RosterIndex, pkt peerprotocol.Packet) error {
	for _, raw := range pkt.Hashes {
		h := hashToHex(raw)
		req, ok := hm.requests[h]
		if !ok {
			continue
		}
		bm, ok := req.responders[h]
		if !ok {
			bm = roaring.New()
			req.responders[h] = bm
		}
		newResponder := !bm.Contains(uint32(from))
		bm.Add(uint32(from))
		if newResponder && hm.OnResponder != nil {
			hm.OnResponder(h, from)
		}
	}
	return nil
}

// HandleGet processes an inbound GET: admits the upload if this peer has
// the chunk, isn't already uploading it to from, and has global capacity
// under MaxConn. DENIED is a WHOHAS-only signal (spec: "DENIED is the only
// rejection signal sent; refusal for any other reason is silent"), so every
// rejection here is silent — the caller simply gets admitted=false and the
// requester's own GET retry/timeout logic takes it from there. Returns the
// hash and whether it was admitted, so the caller can start the
// ReliableTransfer upload.
func (hm *HandshakeManager) HandleGet(from RosterIndex, pkt peerprotocol.Packet) (hash string, admitted bool, err error) {
	if _, ok := hm.roster[from]; !ok {
		return "", false, WrapKind(KindProtocol, errors.Errorf("get from unknown peer %d", from), "handle get")
	}
	hash = hashToHex(pkt.Hash)
	if !hm.localHave[hash] {
		return hash, false, nil
	}
	a, ok := hm.admitted[from]
	if !ok {
		a = &admission{active: make(map[string]bool)}
		hm.admitted[from] = a
	}
	if a.active[hash] {
		return hash, false, nil
	}
	if hm.totalActiveUploads() >= hm.maxConn {
		return hash, false, nil
	}
	a.active[hash] = true
	return hash, true, nil
}

// ReleaseUpload frees an admission slot once an upload finishes or fails,
// so a later GET from the same peer can be admitted.
func (hm *HandshakeManager) ReleaseUpload(peer RosterIndex, hash string) {
	if a, ok := hm.admitted[peer]; ok {
		delete(a.active, hash)
	}
}

// SendGet issues a GET for hash to peer, starting sequence number 0.
func (hm *HandshakeManager) SendGet(peer RosterIndex, hash string) error {
	addr, ok := hm.roster[peer]
	if !ok {
		return WrapKind(KindProtocol, errors.Errorf("get to unknown peer %d", peer), "send get")
	}
	raw, err := hexToHash(hash)
	if err != nil {
		return errors.Wrapf(err, "encoding get hash %s", hash)
	}
	return hm.send(peerprotocol.EncodeGet(raw, 0), addr)
}

// HandleDenied observes an inbound DENIED. DENIED carries no hash — it only
// says "this peer can't help right now" — so there's no responder-tracking
// state to retract. Log-level observation only; the requester's own WHOHAS
// tracking is what times out and tries elsewhere.
func (hm *HandshakeManager) HandleDenied(from RosterIndex) {
	hm.logger.Levelf(log.Debug, "peer %d denied", from)
}

// Cleanup drops outstanding WHOHAS tracking older than WhoHasInterval, so
// a stale request does not keep holding responder state forever once a
// chunk has been obtained elsewhere.
func (hm *HandshakeManager) Cleanup(now time.Time, maxAge time.Duration) {
	for h, req := range hm.requests {
		if now.Sub(req.sentAt) > maxAge {
			delete(hm.requests, h)
		}
	}
}

func (hm *HandshakeManager) ForgetHash(hash string) {
	delete(hm.requests, hash)
}

func hexToHash(h string) (out [20]byte, err error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return out, errors.Wrapf(err, "decoding hash %q", h)
	}
	if len(b) != 20 {
		return out, errors.Errorf("hash %q is not 20 bytes", h)
	}
	copy(out[:], b)
	return out, nil
}

func hashToHex(h [20]byte) string {
	return hex.EncodeToString(h[:])
}
