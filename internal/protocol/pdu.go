package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies the type of a PDU.
type Kind string

// PDU kinds
const (
	KindLoginRequest       Kind = "login_request"
	KindLoginResponse      Kind = "login_response"
	KindLoginErrorResponse Kind = "login_error_response"
	KindLoginEvent         Kind = "login_event"
	KindLoginEventConfirm  Kind = "login_event_confirm"

	KindLogoutRequest       Kind = "logout_request"
	KindLogoutResponse      Kind = "logout_response"
	KindLogoutEvent         Kind = "logout_event"
	KindLogoutEventConfirm  Kind = "logout_event_confirm"

	KindChatMessageRequest  Kind = "chat_message_request"
	KindChatMessageResponse Kind = "chat_message_response"
	KindChatMessageEvent    Kind = "chat_message_event"
	KindChatMessageConfirm  Kind = "chat_message_confirm"
)

// Error codes carried in response PDUs. Zero means no error.
const (
	ErrorCodeNone           = 0
	ErrorCodeDuplicateLogin = 1
)

// ErrIncompletePDU is returned by constructors when a required field of the
// originating PDU is missing. Confirms and responses must never be derived
// from incomplete input.
var ErrIncompletePDU = errors.New("protocol: incomplete pdu")

// PDU is one protocol data unit. A PDU is immutable after construction; a
// fresh one is built for every send.
type PDU struct {
	Kind Kind `json:"kind"`

	// UserName is the acting user: the requester on requests, the recipient
	// on events, the confirmer on confirms, the addressee on responses.
	UserName string `json:"user_name,omitempty"`

	// EventUserName is the subject of a broadcast: the user whose login,
	// logout or chat message triggered the event. Confirms copy it from the
	// event they acknowledge so the server can key the wait list.
	EventUserName string `json:"event_user_name,omitempty"`

	// SequenceNumber is the per-sender monotonically increasing chat message
	// counter. The client uses it to discard stale responses.
	SequenceNumber uint64 `json:"sequence_number,omitempty"`

	// Message is the chat text on chat message requests and events.
	Message string `json:"message,omitempty"`

	// ClientNames is an ordered snapshot of the registered user names.
	// Present only on roster-affecting events (login/logout).
	ClientNames []string `json:"client_names,omitempty"`

	// RosterDigest is an xxhash over ClientNames, letting a listener detect
	// a diverged roster view without comparing the whole list.
	RosterDigest uint64 `json:"roster_digest,omitempty"`

	// ServerTimeNanos is the server-side processing time from request
	// receipt to deferred response.
	ServerTimeNanos int64 `json:"server_time_nanos,omitempty"`

	ErrorCode int `json:"error_code,omitempty"`

	// ClientThreadTag identifies the originating client session; it is
	// carried through events and confirms back into the final response.
	ClientThreadTag string `json:"client_thread_tag,omitempty"`

	// Session counters of the subject, carried on chat and logout responses.
	ReceivedMessages uint64 `json:"received_messages,omitempty"`
	SentEvents       uint64 `json:"sent_events,omitempty"`
	ReceivedConfirms uint64 `json:"received_confirms,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// RosterDigestOf computes the digest carried on roster-affecting events.
func RosterDigestOf(names []string) uint64 {
	d := xxhash.New()
	for _, name := range names {
		d.WriteString(name)
		d.Write([]byte{0})
	}
	return d.Sum64()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewLoginRequest builds the PDU a client sends to join the chat.
func NewLoginRequest(userName, threadTag string) (*PDU, error) {
	if userName == "" {
		return nil, fmt.Errorf("%w: login request needs a user name", ErrIncompletePDU)
	}
	return &PDU{
		Kind:            KindLoginRequest,
		UserName:        userName,
		ClientThreadTag: threadTag,
		Timestamp:       now(),
	}, nil
}

// NewLogoutRequest builds the PDU a client sends to leave the chat.
func NewLogoutRequest(userName, threadTag string) (*PDU, error) {
	if userName == "" {
		return nil, fmt.Errorf("%w: logout request needs a user name", ErrIncompletePDU)
	}
	return &PDU{
		Kind:            KindLogoutRequest,
		UserName:        userName,
		ClientThreadTag: threadTag,
		Timestamp:       now(),
	}, nil
}

// NewChatMessageRequest builds the PDU carrying one chat message. seq is the
// sender's message counter after incrementing for this message.
func NewChatMessageRequest(userName, text string, seq uint64, threadTag string) (*PDU, error) {
	if userName == "" {
		return nil, fmt.Errorf("%w: chat message request needs a user name", ErrIncompletePDU)
	}
	return &PDU{
		Kind:            KindChatMessageRequest,
		UserName:        userName,
		Message:         text,
		SequenceNumber:  seq,
		ClientThreadTag: threadTag,
		Timestamp:       now(),
	}, nil
}

// NewLoginEvent derives the login broadcast for one recipient from the
// original login request. The subject is the logging-in user; roster is the
// registered-name snapshot taken at broadcast time.
func NewLoginEvent(recipient string, roster []string, request *PDU) (*PDU, error) {
	if request == nil || request.UserName == "" {
		return nil, fmt.Errorf("%w: login event needs the originating request", ErrIncompletePDU)
	}
	if recipient == "" {
		return nil, fmt.Errorf("%w: login event needs a recipient", ErrIncompletePDU)
	}
	return &PDU{
		Kind:            KindLoginEvent,
		UserName:        recipient,
		EventUserName:   request.UserName,
		ClientNames:     roster,
		RosterDigest:    RosterDigestOf(roster),
		ClientThreadTag: request.ClientThreadTag,
		Timestamp:       now(),
	}, nil
}

// NewLogoutEvent derives the logout broadcast for one recipient from the
// original logout request.
func NewLogoutEvent(recipient string, roster []string, request *PDU) (*PDU, error) {
	if request == nil || request.UserName == "" {
		return nil, fmt.Errorf("%w: logout event needs the originating request", ErrIncompletePDU)
	}
	if recipient == "" {
		return nil, fmt.Errorf("%w: logout event needs a recipient", ErrIncompletePDU)
	}
	return &PDU{
		Kind:            KindLogoutEvent,
		UserName:        recipient,
		EventUserName:   request.UserName,
		ClientNames:     roster,
		RosterDigest:    RosterDigestOf(roster),
		ClientThreadTag: request.ClientThreadTag,
		Timestamp:       now(),
	}, nil
}

// NewChatMessageEvent derives the chat broadcast for one recipient from the
// original chat message request.
func NewChatMessageEvent(recipient string, request *PDU) (*PDU, error) {
	if request == nil || request.UserName == "" {
		return nil, fmt.Errorf("%w: chat message event needs the originating request", ErrIncompletePDU)
	}
	if recipient == "" {
		return nil, fmt.Errorf("%w: chat message event needs a recipient", ErrIncompletePDU)
	}
	return &PDU{
		Kind:            KindChatMessageEvent,
		UserName:        recipient,
		EventUserName:   request.UserName,
		Message:         request.Message,
		SequenceNumber:  request.SequenceNumber,
		ClientThreadTag: request.ClientThreadTag,
		Timestamp:       now(),
	}, nil
}

// newEventConfirm derives a confirm from the event it acknowledges, copying
// the subject so the server can locate the wait list.
func newEventConfirm(kind Kind, confirmer string, event *PDU) (*PDU, error) {
	if confirmer == "" {
		return nil, fmt.Errorf("%w: confirm needs the confirming user", ErrIncompletePDU)
	}
	if event == nil || event.EventUserName == "" {
		return nil, fmt.Errorf("%w: confirm needs an event with a subject", ErrIncompletePDU)
	}
	return &PDU{
		Kind:            kind,
		UserName:        confirmer,
		EventUserName:   event.EventUserName,
		SequenceNumber:  event.SequenceNumber,
		ClientThreadTag: event.ClientThreadTag,
		Timestamp:       now(),
	}, nil
}

// NewLoginEventConfirm acknowledges a login event.
func NewLoginEventConfirm(confirmer string, event *PDU) (*PDU, error) {
	return newEventConfirm(KindLoginEventConfirm, confirmer, event)
}

// NewLogoutEventConfirm acknowledges a logout event.
func NewLogoutEventConfirm(confirmer string, event *PDU) (*PDU, error) {
	return newEventConfirm(KindLogoutEventConfirm, confirmer, event)
}

// NewChatMessageConfirm acknowledges a chat message event.
func NewChatMessageConfirm(confirmer string, event *PDU) (*PDU, error) {
	return newEventConfirm(KindChatMessageConfirm, confirmer, event)
}

// NewLoginResponse builds the deferred login response released once every
// listed peer has confirmed the login event. origin is the confirm (or
// request) carrying the subject's thread tag.
func NewLoginResponse(subject string, origin *PDU) (*PDU, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: login response needs the subject user", ErrIncompletePDU)
	}
	var tag string
	if origin != nil {
		tag = origin.ClientThreadTag
	}
	return &PDU{
		Kind:            KindLoginResponse,
		UserName:        subject,
		ClientThreadTag: tag,
		Timestamp:       now(),
	}, nil
}

// NewLoginErrorResponse rejects a login request with an error code.
func NewLoginErrorResponse(request *PDU, errorCode int) (*PDU, error) {
	if request == nil || request.UserName == "" {
		return nil, fmt.Errorf("%w: login error response needs the request", ErrIncompletePDU)
	}
	return &PDU{
		Kind:            KindLoginErrorResponse,
		UserName:        request.UserName,
		ErrorCode:       errorCode,
		ClientThreadTag: request.ClientThreadTag,
		Timestamp:       now(),
	}, nil
}

// SessionStats is the per-entry counter snapshot carried on chat and logout
// responses.
type SessionStats struct {
	ReceivedMessages uint64
	SentEvents       uint64
	ReceivedConfirms uint64
}

// NewChatMessageResponse builds the deferred response for a drained chat
// broadcast. serverTime is the processing duration measured by the server.
func NewChatMessageResponse(subject string, seq uint64, stats SessionStats, serverTime time.Duration, threadTag string) (*PDU, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: chat message response needs the subject user", ErrIncompletePDU)
	}
	return &PDU{
		Kind:             KindChatMessageResponse,
		UserName:         subject,
		SequenceNumber:   seq,
		ReceivedMessages: stats.ReceivedMessages,
		SentEvents:       stats.SentEvents,
		ReceivedConfirms: stats.ReceivedConfirms,
		ServerTimeNanos:  serverTime.Nanoseconds(),
		ClientThreadTag:  threadTag,
		Timestamp:        now(),
	}, nil
}

// NewLogoutResponse builds the deferred response for a drained logout
// broadcast.
func NewLogoutResponse(subject string, stats SessionStats, threadTag string) (*PDU, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: logout response needs the subject user", ErrIncompletePDU)
	}
	return &PDU{
		Kind:             KindLogoutResponse,
		UserName:         subject,
		ReceivedMessages: stats.ReceivedMessages,
		SentEvents:       stats.SentEvents,
		ReceivedConfirms: stats.ReceivedConfirms,
		ClientThreadTag:  threadTag,
		Timestamp:        now(),
	}, nil
}

// IsEvent reports whether the kind is a broadcast event.
func (k Kind) IsEvent() bool {
	switch k {
	case KindLoginEvent, KindLogoutEvent, KindChatMessageEvent:
		return true
	}
	return false
}

// IsConfirm reports whether the kind acknowledges an event.
func (k Kind) IsConfirm() bool {
	switch k {
	case KindLoginEventConfirm, KindLogoutEventConfirm, KindChatMessageConfirm:
		return true
	}
	return false
}
