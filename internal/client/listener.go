package client

import (
	"errors"
	"time"

	"github.com/acknet/ackchat/internal/logger"
	"github.com/acknet/ackchat/internal/protocol"
)

// Callbacks are the application-facing notifications. All of them are invoked
// from the listener goroutine; nil callbacks are skipped.
type Callbacks struct {
	// OnMessage delivers one chat message broadcast by another user (or
	// echoed back for our own).
	OnMessage func(from, text string)

	// OnUserJoined and OnUserLeft report roster changes together with the
	// roster snapshot the server attached to the event.
	OnUserJoined func(name string, roster []string)
	OnUserLeft   func(name string, roster []string)

	// OnError reports listener-side failures that do not end the session.
	OnError func(err error)
}

// listenerHooks are the internal signals from the listener back to the client
// API, releasing its blocked Login, SendMessage and Logout calls.
type listenerHooks struct {
	loginResult func(err error)
	chatAck     func(seq uint64, serverTime time.Duration)
	logoutDone  func()
	connLost    func(err error)
}

// Listener drives the client-side half of the protocol: it receives events
// and responses, keeps the shared session state current, and acknowledges
// every event so the server's wait lists can drain.
type Listener struct {
	conn      protocol.Connection
	data      *SharedData
	confirmed bool
	log       *logger.Logger

	callbacks Callbacks
	hooks     listenerHooks

	stopCh chan struct{}
}

func newListener(conn protocol.Connection, data *SharedData, confirmed bool, callbacks Callbacks, hooks listenerHooks, log *logger.Logger) *Listener {
	if log == nil {
		log = logger.Global()
	}
	return &Listener{
		conn:      conn,
		data:      data,
		confirmed: confirmed,
		log:       log,
		callbacks: callbacks,
		hooks:     hooks,
		stopCh:    make(chan struct{}),
	}
}

// listenerPollInterval bounds each blocking receive so the stop channel is
// honored promptly.
const listenerPollInterval = 500 * time.Millisecond

// run receives until the session is over or the connection fails.
func (l *Listener) run() {
	l.log.Debug("Message listener started for %q", l.data.UserName)

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		pdu, err := l.conn.Receive(listenerPollInterval)
		if err != nil {
			if errors.Is(err, protocol.ErrTimeout) {
				continue
			}
			select {
			case <-l.stopCh:
				// Shutdown races the read error; the stop wins.
			default:
				l.log.Debug("Listener for %q stopping: %v", l.data.UserName, err)
				if l.hooks.connLost != nil {
					l.hooks.connLost(err)
				}
			}
			return
		}

		if l.dispatch(pdu) {
			return
		}
	}
}

// stop ends the receive loop. Safe to call more than once.
func (l *Listener) stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

// dispatch routes one PDU by kind. It returns true when the session is over
// and the listener should exit.
func (l *Listener) dispatch(pdu *protocol.PDU) (done bool) {
	switch pdu.Kind {
	case protocol.KindLoginResponse:
		l.loginResponseAction()
	case protocol.KindLoginErrorResponse:
		l.loginErrorResponseAction(pdu)
	case protocol.KindLoginEvent:
		l.loginEventAction(pdu)
	case protocol.KindLogoutEvent:
		l.logoutEventAction(pdu)
	case protocol.KindChatMessageEvent:
		l.chatMessageEventAction(pdu)
	case protocol.KindChatMessageResponse:
		l.chatMessageResponseAction(pdu)
	case protocol.KindLogoutResponse:
		return l.logoutResponseAction()
	default:
		l.log.Debug("Listener for %q discarding pdu of kind %s", l.data.UserName, pdu.Kind)
	}
	return false
}

// loginResponseAction completes a pending login. Out-of-order responses are
// ignored.
func (l *Listener) loginResponseAction() {
	if l.data.Status() != protocol.StatusRegistering {
		l.log.Debug("Login response for %q in status %s ignored", l.data.UserName, l.data.Status())
		return
	}
	l.data.SetStatus(protocol.StatusRegistered)
	l.log.Debug("Login of %q complete", l.data.UserName)
	if l.hooks.loginResult != nil {
		l.hooks.loginResult(nil)
	}
}

func (l *Listener) loginErrorResponseAction(pdu *protocol.PDU) {
	l.data.SetStatus(protocol.StatusUnregistered)
	var err error
	if pdu.ErrorCode == protocol.ErrorCodeDuplicateLogin {
		err = ErrUserNameTaken
	} else {
		err = &LoginError{Code: pdu.ErrorCode}
	}
	if l.hooks.loginResult != nil {
		l.hooks.loginResult(err)
	}
}

// loginEventAction applies a login broadcast: roster update, confirm back to
// the server, application notification.
func (l *Listener) loginEventAction(pdu *protocol.PDU) {
	l.data.CountEvent(pdu.Kind)
	l.applyRoster(pdu)
	l.confirm(pdu, protocol.NewLoginEventConfirm)

	if pdu.EventUserName != l.data.UserName && l.callbacks.OnUserJoined != nil {
		l.callbacks.OnUserJoined(pdu.EventUserName, pdu.ClientNames)
	}
}

// logoutEventAction applies a logout broadcast the same way.
func (l *Listener) logoutEventAction(pdu *protocol.PDU) {
	l.data.CountEvent(pdu.Kind)
	l.applyRoster(pdu)
	l.confirm(pdu, protocol.NewLogoutEventConfirm)

	if pdu.EventUserName != l.data.UserName && l.callbacks.OnUserLeft != nil {
		l.callbacks.OnUserLeft(pdu.EventUserName, pdu.ClientNames)
	}
}

// chatMessageEventAction delivers one chat broadcast and acknowledges it.
func (l *Listener) chatMessageEventAction(pdu *protocol.PDU) {
	l.data.CountEvent(pdu.Kind)
	l.confirm(pdu, protocol.NewChatMessageConfirm)

	if l.callbacks.OnMessage != nil {
		l.callbacks.OnMessage(pdu.EventUserName, pdu.Message)
	}
}

// chatMessageResponseAction completes a pending SendMessage. Responses for a
// sequence number other than the last sent one are stale and dropped.
func (l *Listener) chatMessageResponseAction(pdu *protocol.PDU) {
	if pdu.SequenceNumber != l.data.Sequence() {
		l.log.Debug("Stale chat response for %q (sequence %d, expected %d) dropped",
			l.data.UserName, pdu.SequenceNumber, l.data.Sequence())
		return
	}

	serverTime := time.Duration(pdu.ServerTimeNanos)
	l.data.SetServerTime(serverTime)
	if l.hooks.chatAck != nil {
		l.hooks.chatAck(pdu.SequenceNumber, serverTime)
	}
}

// logoutResponseAction completes the logout and ends the listener.
func (l *Listener) logoutResponseAction() bool {
	l.data.SetStatus(protocol.StatusUnregistered)
	l.log.Debug("Logout of %q complete", l.data.UserName)
	if l.hooks.logoutDone != nil {
		l.hooks.logoutDone()
	}
	return true
}

// applyRoster installs the roster snapshot from a login or logout event. A
// digest mismatch means the snapshot was corrupted in transit; it is still
// applied, the next roster event repairs the view.
func (l *Listener) applyRoster(pdu *protocol.PDU) {
	if digest := protocol.RosterDigestOf(pdu.ClientNames); digest != pdu.RosterDigest {
		l.log.Warn("Roster digest mismatch on %s for %q (got %x, computed %x)",
			pdu.Kind, l.data.UserName, pdu.RosterDigest, digest)
		if l.callbacks.OnError != nil {
			l.callbacks.OnError(ErrRosterDigestMismatch)
		}
	}
	l.data.SetRoster(pdu.ClientNames)
}

// confirm acknowledges one event. Without confirmed delivery the server does
// not wait, so nothing is sent.
func (l *Listener) confirm(event *protocol.PDU, build func(confirmer string, event *protocol.PDU) (*protocol.PDU, error)) {
	if !l.confirmed {
		return
	}

	pdu, err := build(l.data.UserName, event)
	if err != nil {
		l.log.Error("Building confirm for %q failed: %v", l.data.UserName, err)
		return
	}
	if err := l.conn.Send(pdu); err != nil {
		l.log.Error("Sending confirm of kind %s for %q failed: %v", pdu.Kind, l.data.UserName, err)
		if l.callbacks.OnError != nil {
			l.callbacks.OnError(err)
		}
		return
	}
	l.data.CountConfirm()
}
