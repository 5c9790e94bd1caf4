package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/acknet/ackchat/internal/logger"
	"github.com/acknet/ackchat/internal/protocol"
)

// ErrDuplicateUser is returned by Create when the user name is already taken.
var ErrDuplicateUser = errors.New("registry: user already exists")

// Registry is the single source of truth for who is connected, in what state,
// and who still owes an acknowledgement for which broadcast. Every operation
// is atomic under one registry-wide mutex; the flows are fan-out/fan-in
// barriers, not hot loops, so coarse exclusivity is deliberate.
//
// A Registry is constructed once by the hosting process and handed to every
// session worker.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry

	// waitLists maps the subject of an outstanding broadcast to the set of
	// user names that have not yet confirmed it. A list exists only while
	// the subject's deferred response is pending; it is created atomically
	// with the broadcast snapshot and removed atomically when it drains.
	waitLists map[string]map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		waitLists: make(map[string]map[string]struct{}),
	}
}

// Exists reports whether a session entry for name is present.
func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[name]
	return ok
}

// Get returns a value copy of the entry for name. The copy reflects the state
// at call time; concurrent logins and logouts may invalidate it immediately.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Create inserts a new session entry. The check and the insert are one atomic
// step: two simultaneous logins with the same name race here, and exactly one
// wins.
func (r *Registry) Create(name string, conn protocol.Connection, threadTag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return ErrDuplicateUser
	}

	r.entries[name] = &Entry{
		UserName:  name,
		Conn:      conn,
		ThreadTag: threadTag,
		Status:    protocol.StatusUnregistered,
		LoginTime: time.Now(),
	}
	logger.Debug("Registry: created entry for %s (size now %d)", name, len(r.entries))
	return nil
}

// ChangeStatus overwrites the conversation status. Unknown names are a
// diagnostic no-op.
func (r *Registry) ChangeStatus(name string, status protocol.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		logger.Debug("Registry: status change for unknown user %s ignored", name)
		return
	}
	entry.Status = status
}

// MarkFinished flags the entry for deletion without removing it.
func (r *Registry) MarkFinished(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[name]; ok {
		entry.Finished = true
	}
}

// SetRequestStart records the receipt time of the request whose response is
// being deferred, and bumps the last-request timestamp.
func (r *Registry) SetRequestStart(name string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[name]; ok {
		entry.RequestStart = t
		entry.LastRequestAt = t
	}
}

// SetPendingSequence records the sequence number of the chat message whose
// response is being deferred.
func (r *Registry) SetPendingSequence(name string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[name]; ok {
		entry.PendingSeq = seq
	}
}

// IncrReceivedMessages bumps the subject's received chat message counter.
func (r *Registry) IncrReceivedMessages(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[name]; ok {
		entry.ReceivedMessages++
	}
}

// IncrSentEvents bumps the recipient's sent event counter.
func (r *Registry) IncrSentEvents(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[name]; ok {
		entry.SentEvents++
	}
}

// IncrReceivedConfirms bumps the subject's received confirm counter.
func (r *Registry) IncrReceivedConfirms(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[name]; ok {
		entry.ReceivedConfirms++
	}
}

// Delete removes the entry if it is marked finished and is gone from every
// wait list. It reports whether the removal happened; callers retry on a
// later pass otherwise.
func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok || !entry.Finished || r.referencedLocked(name) {
		return false
	}

	delete(r.entries, name)
	logger.Debug("Registry: deleted entry for %s (size now %d)", name, len(r.entries))
	return true
}

// DeleteUnconditional removes the entry regardless of wait-list membership.
// Used at connection teardown: the peer is gone and will never confirm, so
// the name is stripped from every wait list it still blocks. It returns the
// subjects whose wait lists drained because of the stripping; their deferred
// responses are now due.
func (r *Registry) DeleteUnconditional(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, name)

	// The departed user's own broadcast, if any, can never be answered.
	delete(r.waitLists, name)

	var drained []string
	for subject, pending := range r.waitLists {
		if _, ok := pending[name]; !ok {
			continue
		}
		delete(pending, name)
		if len(pending) == 0 {
			delete(r.waitLists, subject)
			drained = append(drained, subject)
		}
	}
	sort.Strings(drained)

	logger.Debug("Registry: unconditionally deleted %s (size now %d, drained %d wait lists)",
		name, len(r.entries), len(drained))
	return drained
}

// ListAll returns an ordered point-in-time snapshot of all user names.
func (r *Registry) ListAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.listAllLocked()
}

func (r *Registry) listAllLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListRegistered returns the ordered subset of names in REGISTERED status.
// This is the confirmed roster carried on login and logout events.
func (r *Registry) ListRegistered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name, entry := range r.entries {
		if entry.Status == protocol.StatusRegistered {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// CreateWaitList sets the wait list for subject to the current full snapshot
// and returns that snapshot, ordered, for the caller's fan-out. Snapshot and
// list creation happen under one lock acquisition so that a simultaneous
// joiner is never missed and a simultaneous leaver never counted twice.
func (r *Registry) CreateWaitList(subject string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A compliant client never pipelines a second request while a response
	// is pending. Replacing the list orphans the previous broadcast's
	// deferred response, which must not go unnoticed.
	if prev, ok := r.waitLists[subject]; ok {
		logger.Warn("Registry: replacing pending wait list for %s with %d confirms outstanding", subject, len(prev))
	}

	pending := make(map[string]struct{}, len(r.entries))
	for name := range r.entries {
		pending[name] = struct{}{}
	}
	r.waitLists[subject] = pending

	return r.listAllLocked()
}

// RemoveFromWaitList removes member from subject's wait list. Removal is
// idempotent: an absent list or member is a no-op, because a session may
// legitimately have been deleted between being listed and acknowledging.
//
// drained is true only for the single call that removed the last member; the
// wait list is deleted in the same atomic step, so the deferred response for
// subject fires exactly once.
func (r *Registry) RemoveFromWaitList(subject, member string) (remaining int, drained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.waitLists[subject]
	if !ok {
		return 0, false
	}
	if _, ok := pending[member]; !ok {
		return len(pending), false
	}

	delete(pending, member)
	if len(pending) == 0 {
		delete(r.waitLists, subject)
		return 0, true
	}
	return len(pending), false
}

// WaitListSize returns the number of outstanding confirms for subject, zero
// if no list exists (never created, or already drained).
func (r *Registry) WaitListSize(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.waitLists[subject])
}

// GarbageCollect sweeps out every entry that is marked finished and absent
// from all wait lists. It returns the removed names so a worker can recognize
// that its own session was reclaimed by someone else's sweep.
func (r *Registry) GarbageCollect() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []string
	for name, entry := range r.entries {
		if entry.Finished && !r.referencedLocked(name) {
			delete(r.entries, name)
			deleted = append(deleted, name)
		}
	}
	sort.Strings(deleted)

	if len(deleted) > 0 {
		logger.Debug("Registry: garbage collected %v (size now %d)", deleted, len(r.entries))
	}
	return deleted
}

// referencedLocked reports whether name is still pending in any wait list.
func (r *Registry) referencedLocked(name string) bool {
	for _, pending := range r.waitLists {
		if _, ok := pending[name]; ok {
			return true
		}
	}
	return false
}

// Size returns the number of session entries.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
