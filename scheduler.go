package p2pchunk

import (
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/anacrolix/multiless"
	"github.com/pkg/errors"
)

// DownloadTask coordinates fetching every chunk named in one download
// request (a chunklist) and assembling them into the completed output. A
// hash belongs to at most one task at a time, and a task is identified by
// the output path its chunklist names, since the command stream carries
// no separate task-id field.
type DownloadTask struct {
	OutputPath string

	hashes  []string       // task-local index -> hash
	indexOf map[string]int // hash -> task-local index
	done    bitmap.Bitmap  // which indices have completed
	chunks  map[string][]byte

	// candidates holds, for each still-needed hash, the roster indices
	// known (via IHAVE) to hold it, in the order they first answered, so
	// among equally suitable peers the Scheduler prefers the earliest.
	candidates map[string][]RosterIndex
	// inFlight hashes are currently assigned to a peer via GET, so a
	// second GET for the same hash is not issued concurrently.
	inFlight map[string]RosterIndex

	startedAt    time.Time
	lastProgress time.Time
}

// NewDownloadTask builds a task for outputPath needing hashes. preload
// seeds chunks already held locally at creation time (from the local
// chunk store), so a chunklist that is already fully satisfied completes
// without ever broadcasting WHOHAS.
func NewDownloadTask(outputPath string, hashes []string, preload map[string][]byte) *DownloadTask {
	t := &DownloadTask{
		OutputPath: outputPath,
		hashes:     hashes,
		indexOf:    make(map[string]int, len(hashes)),
		chunks:     make(map[string][]byte, len(hashes)),
		candidates: make(map[string][]RosterIndex),
		inFlight:   make(map[string]RosterIndex),
	}
	for i, h := range hashes {
		t.indexOf[h] = i
		if data, ok := preload[h]; ok {
			t.chunks[h] = data
			t.done.Set(i, true)
		}
	}
	return t
}

func (t *DownloadTask) Complete() bool {
	return t.done.Len() >= len(t.hashes)
}

func (t *DownloadTask) Remaining() []string {
	var out []string
	for _, h := range t.hashes {
		if _, have := t.chunks[h]; !have {
			out = append(out, h)
		}
	}
	return out
}

func (t *DownloadTask) addCandidate(hash string, peer RosterIndex) {
	for _, p := range t.candidates[hash] {
		if p == peer {
			return
		}
	}
	t.candidates[hash] = append(t.candidates[hash], peer)
}

// pickCandidate chooses the responder to GET hash from: the first
// responder not already assigned elsewhere in this task, preferring one
// this task isn't already waiting on for another hash so concurrent GETs
// spread across peers rather than piling onto the first one that
// answered everything.
func (t *DownloadTask) pickCandidate(hash string) (RosterIndex, bool) {
	cands := t.candidates[hash]
	if len(cands) == 0 {
		return 0, false
	}
	busy := make(map[RosterIndex]bool)
	for _, p := range t.inFlight {
		busy[p] = true
	}
	best := cands[0]
	bestBusy := busy[best]
	for _, c := range cands[1:] {
		cBusy := busy[c]
		if multiless.New().Bool(cBusy, bestBusy).Less() {
			best, bestBusy = c, cBusy
		}
	}
	return best, true
}

// Scheduler coordinates every active DownloadTask, dispatching
// WHOHAS/GET through the HandshakeManager and learning about completed
// chunks from the ReliableTransfer layer.
type Scheduler struct {
	tasks     map[string]*DownloadTask
	hashIndex map[string][]string // hash -> task IDs needing it, reverse index

	maxConcurrent int

	handshake *HandshakeManager
	transfer  *ReliableTransfer
	fixedRTO  g.Option[time.Duration]

	OnTaskComplete func(task *DownloadTask)
	OnTaskFailed   func(task *DownloadTask, err error)
}

func NewScheduler(maxConcurrent int, hm *HandshakeManager, rt *ReliableTransfer, fixedRTO g.Option[time.Duration]) *Scheduler {
	s := &Scheduler{
		tasks:         make(map[string]*DownloadTask),
		hashIndex:     make(map[string][]string),
		maxConcurrent: maxConcurrent,
		handshake:     hm,
		transfer:      rt,
		fixedRTO:      fixedRTO,
	}
	hm.OnResponder = s.handleResponder
	rt.OnComplete = s.handleChunkComplete
	rt.OnFailed = s.handleChunkFailed
	return s
}

// StartDownload registers a new task for outputPath needing hashes,
// preloading whatever preload already supplies (chunks this peer already
// holds), and broadcasts WHOHAS for whatever remains. A hash belongs to
// at most one task at a time. If preload already satisfies every needed
// hash, the task completes immediately and no WHOHAS is ever sent, per
// the chunklist-already-satisfied case. maxConcurrent is a soft cap: a
// new task is accepted even over the limit, but its initial WHOHAS
// broadcast is skipped; the next periodic RebroadcastWhoHas pass sends
// its hashes whether or not older tasks have finished.
func (s *Scheduler) StartDownload(outputPath string, hashes []string, preload map[string][]byte, now time.Time) (*DownloadTask, error) {
	if _, exists := s.tasks[outputPath]; exists {
		return nil, errors.Errorf("download task for %s already exists", outputPath)
	}
	t := NewDownloadTask(outputPath, hashes, preload)
	t.startedAt = now
	t.lastProgress = now
	s.tasks[outputPath] = t
	if t.Complete() {
		if s.OnTaskComplete != nil {
			s.OnTaskComplete(t)
		}
		return t, nil
	}
	for _, h := range t.Remaining() {
		s.hashIndex[h] = append(s.hashIndex[h], outputPath)
	}
	if s.activeCount() <= s.maxConcurrent {
		if err := s.handshake.BroadcastWhoHas(t.Remaining(), now); err != nil {
			return t, errors.Wrap(err, "broadcasting whohas for new task")
		}
	}
	return t, nil
}

func (s *Scheduler) activeCount() int {
	n := 0
	for _, t := range s.tasks {
		if !t.Complete() {
			n++
		}
	}
	return n
}

func (s *Scheduler) handleResponder(hash string, peer RosterIndex) {
	now := time.Now()
	for _, id := range s.hashIndex[hash] {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if _, have := t.chunks[hash]; have {
			continue
		}
		t.addCandidate(hash, peer)
		if _, busy := t.inFlight[hash]; busy {
			continue
		}
		chosen, ok := t.pickCandidate(hash)
		if !ok {
			continue
		}
		t.inFlight[hash] = chosen
		s.transfer.StartDownload(chosen, hash, s.fixedRTO)
		if err := s.handshake.SendGet(chosen, hash); err != nil {
			delete(t.inFlight, hash)
		}
		t.lastProgress = now
	}
}

func (s *Scheduler) handleChunkComplete(peer RosterIndex, hash string, data []byte) {
	now := time.Now()
	s.handshake.ReleaseUpload(peer, hash)
	for _, id := range s.hashIndex[hash] {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if _, have := t.chunks[hash]; have {
			continue
		}
		t.chunks[hash] = data
		if idx, ok := t.indexOf[hash]; ok {
			t.done.Set(idx, true)
		}
		delete(t.inFlight, hash)
		t.lastProgress = now
		if t.Complete() && s.OnTaskComplete != nil {
			s.OnTaskComplete(t)
		}
	}
}

func (s *Scheduler) handleChunkFailed(peer RosterIndex, hash string, err error) {
	for _, id := range s.hashIndex[hash] {
		t, ok := s.tasks[id]
		if !ok || t.Complete() {
			continue
		}
		if t.inFlight[hash] == peer {
			delete(t.inFlight, hash)
		}
		// Drop this peer as a candidate and retry with the next one, if
		// any, on the next periodic pass; do not requeue synchronously
		// here to avoid unbounded retry recursion on a persistently
		// failing peer.
		cands := t.candidates[hash]
		for i, p := range cands {
			if p == peer {
				t.candidates[hash] = append(cands[:i], cands[i+1:]...)
				break
			}
		}
	}
}

// Retry re-issues GET for any needed hash whose candidate list is
// nonempty but which is not currently in flight, covering chunks that
// lost their only candidate to a failure. Called periodically from the
// event loop alongside Cleanup.
func (s *Scheduler) Retry(now time.Time) {
	for _, t := range s.tasks {
		if t.Complete() {
			continue
		}
		for _, h := range t.Remaining() {
			if _, inFlight := t.inFlight[h]; inFlight {
				continue
			}
			chosen, ok := t.pickCandidate(h)
			if !ok {
				continue
			}
			t.inFlight[h] = chosen
			s.transfer.StartDownload(chosen, h, s.fixedRTO)
			if err := s.handshake.SendGet(chosen, h); err != nil {
				delete(t.inFlight, h)
			}
		}
	}
}

// RebroadcastWhoHas re-sends WHOHAS for every still-needed hash with no
// known candidate, for peers that haven't responded yet or joined late.
func (s *Scheduler) RebroadcastWhoHas(now time.Time) error {
	var needed []string
	seen := make(map[string]bool)
	for _, t := range s.tasks {
		if t.Complete() {
			continue
		}
		for _, h := range t.Remaining() {
			if len(t.candidates[h]) > 0 || seen[h] {
				continue
			}
			seen[h] = true
			needed = append(needed, h)
		}
	}
	return s.handshake.BroadcastWhoHas(needed, now)
}

// Cleanup fails any task that has made no progress within timeout, and
// forgets completed or failed tasks older than timeout so the task table
// does not grow unbounded across a long run.
func (s *Scheduler) Cleanup(now time.Time, timeout time.Duration) {
	for id, t := range s.tasks {
		if t.Complete() {
			if now.Sub(t.lastProgress) > timeout {
				delete(s.tasks, id)
			}
			continue
		}
		if now.Sub(t.lastProgress) > timeout {
			delete(s.tasks, id)
			if s.OnTaskFailed != nil {
				s.OnTaskFailed(t, errors.Errorf("task %s timed out with no progress", id))
			}
		}
	}
}

func (s *Scheduler) Task(id string) (*DownloadTask, bool) {
	t, ok := s.tasks[id]
	return t, ok
}
