package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/acknet/ackchat/internal/protocol"
)

// SharedData is the session state shared between the client API and its
// listener goroutine. Scalar tallies are atomics; compound state (status,
// roster) sits behind a mutex.
type SharedData struct {
	// UserName and ThreadTag are set once before login and read-only after.
	UserName  string
	ThreadTag string

	mu     sync.Mutex
	status protocol.Status
	roster []string

	// messageCounter is the sequence number of the last sent chat message.
	messageCounter atomic.Uint64

	// eventCounter counts all received events, confirmCounter all confirms
	// sent back.
	eventCounter   atomic.Uint64
	confirmCounter atomic.Uint64

	loginEvents   atomic.Uint64
	logoutEvents  atomic.Uint64
	messageEvents atomic.Uint64

	lastServerTimeNanos atomic.Int64
}

// NewSharedData creates the session state for one user.
func NewSharedData(userName, threadTag string) *SharedData {
	return &SharedData{
		UserName:  userName,
		ThreadTag: threadTag,
		status:    protocol.StatusUnregistered,
	}
}

// Status returns the current conversation status.
func (s *SharedData) Status() protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus overwrites the conversation status.
func (s *SharedData) SetStatus(status protocol.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Roster returns a copy of the last roster snapshot received from the server.
func (s *SharedData) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.roster))
	copy(out, s.roster)
	return out
}

// SetRoster replaces the roster snapshot.
func (s *SharedData) SetRoster(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = make([]string, len(names))
	copy(s.roster, names)
}

// NextSequence increments and returns the chat message sequence number.
func (s *SharedData) NextSequence() uint64 {
	return s.messageCounter.Add(1)
}

// Sequence returns the sequence number of the last sent chat message.
func (s *SharedData) Sequence() uint64 {
	return s.messageCounter.Load()
}

// CountEvent tallies one received event of the given kind.
func (s *SharedData) CountEvent(kind protocol.Kind) {
	s.eventCounter.Add(1)
	switch kind {
	case protocol.KindLoginEvent:
		s.loginEvents.Add(1)
	case protocol.KindLogoutEvent:
		s.logoutEvents.Add(1)
	case protocol.KindChatMessageEvent:
		s.messageEvents.Add(1)
	}
}

// CountConfirm tallies one confirm sent back to the server.
func (s *SharedData) CountConfirm() {
	s.confirmCounter.Add(1)
}

// SetServerTime records the processing time reported on the last chat
// message response.
func (s *SharedData) SetServerTime(d time.Duration) {
	s.lastServerTimeNanos.Store(d.Nanoseconds())
}

// LastServerTime returns the processing time of the last chat response.
func (s *SharedData) LastServerTime() time.Duration {
	return time.Duration(s.lastServerTimeNanos.Load())
}

// EventTally is a snapshot of the listener-side counters.
type EventTally struct {
	Events        uint64
	Confirms      uint64
	LoginEvents   uint64
	LogoutEvents  uint64
	MessageEvents uint64
}

// Tally returns the current event and confirm counters.
func (s *SharedData) Tally() EventTally {
	return EventTally{
		Events:        s.eventCounter.Load(),
		Confirms:      s.confirmCounter.Load(),
		LoginEvents:   s.loginEvents.Load(),
		LogoutEvents:  s.logoutEvents.Load(),
		MessageEvents: s.messageEvents.Load(),
	}
}
