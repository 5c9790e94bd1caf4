package server

import (
	"errors"
	"slices"
	"time"

	"github.com/acknet/ackchat/internal/logger"
	"github.com/acknet/ackchat/internal/protocol"
	"github.com/acknet/ackchat/internal/registry"
)

// WorkerOptions configure one session worker.
type WorkerOptions struct {
	// ReceiveTimeout bounds each blocking receive. On expiry the worker
	// re-evaluates liveness and runs a garbage collection pass.
	ReceiveTimeout time.Duration

	// ConfirmedDelivery selects the confirm-gated variant: responses are
	// deferred until every listed peer acknowledged the broadcast. When
	// false, responses are sent immediately after the fan-out.
	ConfirmedDelivery bool

	Log *logger.Logger
}

// Worker drives the server-side half of the protocol state machine for one
// client connection. It blocks reading from its connection; every inbound PDU
// transitions registry state and/or fans an event out to all known sessions.
// Failures are contained at worker granularity: nothing in here may take the
// process or another session down.
type Worker struct {
	conn     protocol.Connection
	clients  *registry.Registry
	counters *registry.Counters
	log      *logger.Logger

	receiveTimeout time.Duration
	confirmed      bool

	// userName is set once the login request arrives; empty until then.
	userName  string
	threadTag string

	// startTime is the receipt time of the request being processed.
	startTime time.Time

	finished bool
}

// NewWorker creates the session worker for one accepted connection.
func NewWorker(conn protocol.Connection, clients *registry.Registry, counters *registry.Counters, opts WorkerOptions) *Worker {
	log := opts.Log
	if log == nil {
		log = logger.Global()
	}
	timeout := opts.ReceiveTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Worker{
		conn:           conn,
		clients:        clients,
		counters:       counters,
		log:            log,
		receiveTimeout: timeout,
		confirmed:      opts.ConfirmedDelivery,
	}
}

// Run executes the receive loop until the worker decides to finish, then
// unconditionally removes its own entry and closes the connection.
func (w *Worker) Run() {
	w.log.Debug("Session worker started for %s", w.conn.RemoteAddr())

	for !w.finished {
		w.handleIncoming()
	}

	w.log.Debug("Session worker for %q finishing", w.userName)
	w.closeConnection()
}

// handleIncoming performs one cycle: self-check, bounded receive, dispatch.
func (w *Worker) handleIncoming() {
	if w.checkDeletable() {
		return
	}

	pdu, err := w.conn.Receive(w.receiveTimeout)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrTimeout):
			w.receiveTimeoutAction()
		case errors.Is(err, protocol.ErrEndOfStream):
			w.log.Debug("End of stream for %q, peer closed the connection", w.userName)
			w.finished = true
		default:
			w.log.Error("Receive failed for %q: %v", w.userName, err)
			w.finished = true
		}
		return
	}

	w.startTime = time.Now()

	switch pdu.Kind {
	case protocol.KindLoginRequest:
		w.loginRequestAction(pdu)
	case protocol.KindChatMessageRequest:
		w.chatMessageRequestAction(pdu)
	case protocol.KindLogoutRequest:
		w.logoutRequestAction(pdu)
	case protocol.KindLoginEventConfirm, protocol.KindLogoutEventConfirm, protocol.KindChatMessageConfirm:
		w.eventConfirmAction(pdu)
	default:
		// Unexpected kinds are a protocol no-op, not an error.
		w.log.Debug("Discarding pdu of kind %s from %q", pdu.Kind, pdu.UserName)
	}
}

// checkDeletable ends the loop when this worker's own session has been marked
// finished and left every wait list. The broader garbage collection sweep is
// reserved for the timeout path, keeping the hot loop off the registry lock.
func (w *Worker) checkDeletable() bool {
	if w.userName == "" {
		return false
	}
	if entry, ok := w.clients.Get(w.userName); ok && entry.Finished {
		if w.clients.Delete(w.userName) {
			w.log.Debug("Entry for %q deleted, ending worker", w.userName)
			w.finished = true
			return true
		}
	}
	return false
}

// loginRequestAction admits or rejects a login. On admission the login event
// is fanned out to every current session (including the new one); the login
// response is deferred until all of them confirmed.
func (w *Worker) loginRequestAction(req *protocol.PDU) {
	w.log.Debug("Login request from %q", req.UserName)

	sendReject := func() {
		resp, err := protocol.NewLoginErrorResponse(req, protocol.ErrorCodeDuplicateLogin)
		if err != nil {
			w.log.Error("Building login error response for %q failed: %v", req.UserName, err)
			return
		}
		if err := w.conn.Send(resp); err != nil {
			w.log.Error("Sending login error response to %q failed: %v", req.UserName, err)
		}
	}

	if w.clients.Exists(req.UserName) {
		w.log.Debug("User %q already registered, rejecting login", req.UserName)
		sendReject()
		return
	}

	if err := w.clients.Create(req.UserName, w.conn, req.ClientThreadTag); err != nil {
		// Lost the check-then-insert race against a simultaneous login.
		w.log.Debug("Create for %q failed: %v", req.UserName, err)
		sendReject()
		return
	}

	w.userName = req.UserName
	w.threadTag = req.ClientThreadTag
	w.clients.ChangeStatus(req.UserName, protocol.StatusRegistering)
	w.clients.SetRequestStart(req.UserName, w.startTime)
	w.counters.LoggedIn.Add(1)

	if !w.confirmed {
		w.fanOut(req.UserName, w.clients.ListAll(), nil, func(recipient string) (*protocol.PDU, error) {
			return protocol.NewLoginEvent(recipient, w.clients.ListRegistered(), req)
		})
		w.clients.ChangeStatus(req.UserName, protocol.StatusRegistered)
		resp, err := protocol.NewLoginResponse(req.UserName, req)
		if err != nil {
			w.log.Error("Building login response for %q failed: %v", req.UserName, err)
			return
		}
		if err := w.conn.Send(resp); err != nil {
			w.log.Error("Sending login response to %q failed: %v", req.UserName, err)
		}
		return
	}

	snapshot := w.clients.CreateWaitList(req.UserName)
	roster := w.clients.ListRegistered()
	w.fanOut(req.UserName, snapshot, nil, func(recipient string) (*protocol.PDU, error) {
		return protocol.NewLoginEvent(recipient, roster, req)
	})
}

// chatMessageRequestAction fans one chat message out to every session that is
// not UNREGISTERED; the sender's response waits for the full confirm fan-in.
func (w *Worker) chatMessageRequestAction(req *protocol.PDU) {
	if !w.clients.Exists(req.UserName) {
		w.log.Debug("Chat message from unknown user %q discarded", req.UserName)
		return
	}

	w.log.Debug("Chat message request from %q, sequence %d", req.UserName, req.SequenceNumber)

	w.clients.SetRequestStart(req.UserName, w.startTime)
	w.clients.SetPendingSequence(req.UserName, req.SequenceNumber)
	w.clients.IncrReceivedMessages(req.UserName)
	w.counters.Requests.Add(1)

	skip := func(entry registry.Entry) bool {
		return entry.Status == protocol.StatusUnregistered
	}
	build := func(recipient string) (*protocol.PDU, error) {
		return protocol.NewChatMessageEvent(recipient, req)
	}

	if !w.confirmed {
		w.fanOut(req.UserName, w.clients.ListAll(), skip, build)
		w.sendChatMessageResponse(req.UserName)
		return
	}

	snapshot := w.clients.CreateWaitList(req.UserName)
	w.fanOut(req.UserName, snapshot, skip, build)
}

// logoutRequestAction starts the logout broadcast. The entry stays visible to
// the other sessions until every one of them confirmed the logout event.
func (w *Worker) logoutRequestAction(req *protocol.PDU) {
	w.counters.Logouts.Add(1)

	if !w.clients.Exists(req.UserName) {
		w.log.Debug("Logout request from unknown user %q discarded", req.UserName)
		return
	}

	w.log.Debug("Logout request from %q", req.UserName)

	w.clients.ChangeStatus(req.UserName, protocol.StatusUnregistering)
	w.clients.SetRequestStart(req.UserName, w.startTime)

	build := func(recipient string) (*protocol.PDU, error) {
		return protocol.NewLogoutEvent(recipient, w.clients.ListRegistered(), req)
	}

	if !w.confirmed {
		w.fanOut(req.UserName, w.clients.ListAll(), nil, build)
		w.clients.ChangeStatus(req.UserName, protocol.StatusUnregistered)
		w.sendLogoutResponse(req.UserName)
		w.clients.MarkFinished(req.UserName)
		w.counters.LoggedIn.Add(-1)
		return
	}

	snapshot := w.clients.CreateWaitList(req.UserName)
	roster := w.clients.ListRegistered()
	w.fanOut(req.UserName, snapshot, nil, func(recipient string) (*protocol.PDU, error) {
		return protocol.NewLogoutEvent(recipient, roster, req)
	})
}

// eventConfirmAction processes one login/logout/chat confirm: it shrinks the
// wait list keyed by the event subject and, when this confirm drained the
// list, releases the subject's deferred response.
func (w *Worker) eventConfirmAction(pdu *protocol.PDU) {
	subject := pdu.EventUserName
	if subject == "" {
		w.log.Debug("Confirm of kind %s without a subject discarded", pdu.Kind)
		return
	}

	// A confirm is attributed to this connection's own logged-in user, never
	// to the name claimed inside the PDU. A connection that has not logged in
	// owes no confirms, so anything it sends here is forged or stray.
	if w.userName == "" {
		w.log.Debug("Confirm of kind %s for %q on a connection without a login discarded", pdu.Kind, subject)
		return
	}

	w.clients.IncrReceivedConfirms(subject)
	w.counters.ConfirmsReceived.Add(1)

	w.log.Debug("Confirm of kind %s from %q for subject %q", pdu.Kind, w.userName, subject)

	if _, drained := w.clients.RemoveFromWaitList(subject, w.userName); drained {
		w.completeBroadcast(subject)
	}
}

// completeBroadcast releases the deferred response for subject after its wait
// list drained. The subject's status decides which flow is being completed.
func (w *Worker) completeBroadcast(subject string) {
	entry, ok := w.clients.Get(subject)
	if !ok {
		w.log.Debug("Broadcast for %q drained but entry is gone", subject)
		return
	}

	switch entry.Status {
	case protocol.StatusRegistering:
		resp, err := protocol.NewLoginResponse(subject, &protocol.PDU{ClientThreadTag: entry.ThreadTag})
		if err != nil {
			w.log.Error("Building login response for %q failed: %v", subject, err)
			return
		}
		if err := entry.Conn.Send(resp); err != nil {
			w.log.Error("Sending login response to %q failed: %v", subject, err)
			return
		}
		w.clients.ChangeStatus(subject, protocol.StatusRegistered)
		w.log.Debug("Login of %q confirmed by all peers, now REGISTERED", subject)

	case protocol.StatusRegistered:
		w.sendChatMessageResponse(subject)

	case protocol.StatusUnregistering:
		w.clients.ChangeStatus(subject, protocol.StatusUnregistered)
		w.sendLogoutResponse(subject)
		w.clients.MarkFinished(subject)
		w.counters.LoggedIn.Add(-1)
		w.log.Debug("Logout of %q confirmed by all peers, entry marked finished", subject)

	default:
		w.log.Debug("Broadcast for %q drained in unexpected status %s", subject, entry.Status)
	}
}

// sendChatMessageResponse sends the deferred chat response carrying the
// subject's counters and the measured server processing time.
func (w *Worker) sendChatMessageResponse(subject string) {
	entry, ok := w.clients.Get(subject)
	if !ok {
		return
	}

	serverTime := time.Since(entry.RequestStart)
	if serverTime > 100*time.Millisecond {
		w.log.Debug("Server processing time for %q above 100 ms: %v", subject, serverTime)
	}

	resp, err := protocol.NewChatMessageResponse(subject, entry.PendingSeq, entry.Stats(), serverTime, entry.ThreadTag)
	if err != nil {
		w.log.Error("Building chat message response for %q failed: %v", subject, err)
		return
	}
	if err := entry.Conn.Send(resp); err != nil {
		w.log.Error("Sending chat message response to %q failed: %v", subject, err)
	}
}

// sendLogoutResponse sends the deferred logout response with the subject's
// final session counters.
func (w *Worker) sendLogoutResponse(subject string) {
	entry, ok := w.clients.Get(subject)
	if !ok {
		return
	}

	resp, err := protocol.NewLogoutResponse(subject, entry.Stats(), entry.ThreadTag)
	if err != nil {
		w.log.Error("Building logout response for %q failed: %v", subject, err)
		return
	}
	if err := entry.Conn.Send(resp); err != nil {
		w.log.Error("Sending logout response to %q failed: %v", subject, err)
	}
}

// fanOut delivers one freshly built event PDU to every recipient in the
// snapshot. Recipients that are skipped, vanished or unreachable are removed
// from the subject's wait list right away, so the pending set always equals
// the set of peers that actually received the event. A failed send never
// aborts the remaining deliveries.
func (w *Worker) fanOut(subject string, snapshot []string, skip func(registry.Entry) bool, build func(recipient string) (*protocol.PDU, error)) {
	for _, name := range snapshot {
		entry, ok := w.clients.Get(name)
		if !ok {
			w.dropPending(subject, name)
			continue
		}
		if skip != nil && skip(entry) {
			w.dropPending(subject, name)
			continue
		}

		pdu, err := build(name)
		if err != nil {
			w.log.Error("Building event for %q failed: %v", name, err)
			w.dropPending(subject, name)
			continue
		}

		if err := entry.Conn.Send(pdu); err != nil {
			w.log.Error("Sending event of kind %s to %q failed: %v", pdu.Kind, name, err)
			w.dropPending(subject, name)
			continue
		}

		w.clients.IncrSentEvents(name)
		w.counters.EventsSent.Add(1)
	}
}

// dropPending removes a recipient that will never confirm from the wait list
// and completes the broadcast if that was the last outstanding confirm.
func (w *Worker) dropPending(subject, member string) {
	if _, drained := w.clients.RemoveFromWaitList(subject, member); drained {
		w.completeBroadcast(subject)
	}
}

// receiveTimeoutAction handles an expired receive window. The idle cycle runs
// the garbage collection sweep; a session stuck in UNREGISTERING gets its
// logout response resent defensively and the worker ends. Anything else is
// routine liveness noise.
func (w *Worker) receiveTimeoutAction() {
	w.log.Debug("Receive timeout after %v without a message from %q", w.receiveTimeout, w.userName)

	deleted := w.clients.GarbageCollect()
	if w.userName != "" && slices.Contains(deleted, w.userName) {
		w.log.Debug("Garbage collection reclaimed %q, ending worker", w.userName)
		w.finished = true
		return
	}

	if w.userName == "" {
		return
	}

	entry, ok := w.clients.Get(w.userName)
	if !ok {
		return
	}

	if entry.Status == protocol.StatusUnregistering {
		w.log.Error("Session %q is UNREGISTERING but stopped talking, resending logout response", w.userName)
		w.clients.ChangeStatus(w.userName, protocol.StatusUnregistered)
		w.sendLogoutResponse(w.userName)
		w.clients.MarkFinished(w.userName)
		w.counters.LoggedIn.Add(-1)
		w.finished = true
	}
}

// closeConnection removes this worker's entry regardless of wait-list
// membership: the peer is gone, nothing will ever wait on it again. Wait
// lists drained by the removal get their deferred responses released here.
func (w *Worker) closeConnection() {
	if w.userName != "" && w.clients.Exists(w.userName) {
		drained := w.clients.DeleteUnconditional(w.userName)
		for _, subject := range drained {
			w.completeBroadcast(subject)
		}
	}

	if err := w.conn.Close(); err != nil {
		w.log.Debug("Closing connection for %q: %v", w.userName, err)
	}
}
