package supervisor

import (
	"hash/crc32"
	"sync"

	"github.com/watchloop/agentsup/internal/ringbuf"
	"github.com/watchloop/agentsup/internal/store"
)

// liveSession is the in-memory registry entry the supervisor owns
// exclusively while a session is running or paused.
type liveSession struct {
	mu sync.Mutex

	id        string
	projectID string
	ticketID  string
	paneID    string
	status    store.SessionStatus
	scrollback *ringbuf.Buffer
	lastCaptureHash uint32
}

func newLiveSession(id, projectID, ticketID, paneID string, capacity int) *liveSession {
	return &liveSession{
		id:         id,
		projectID:  projectID,
		ticketID:   ticketID,
		paneID:     paneID,
		status:     store.SessionRunning,
		scrollback: ringbuf.New(capacity),
	}
}

func (s *liveSession) setStatus(st store.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *liveSession) getStatus() store.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// hashLines produces a cheap content fingerprint so the output-capture tick
// can skip republishing unchanged screens.
func hashLines(lines []string) uint32 {
	h := crc32.NewIEEE()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return h.Sum32()
}
