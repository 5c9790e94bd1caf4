package registry

import (
	"time"

	"github.com/acknet/ackchat/internal/protocol"
)

// Entry is one session record. All fields are guarded by the registry mutex;
// accessors hand out value copies, never the live record. The connection
// handle is shared deliberately: broadcasting workers send events through it
// while the owning worker drives the entry's lifecycle.
type Entry struct {
	UserName string
	Conn     protocol.Connection

	// ThreadTag is the originating client's session tag, echoed back on
	// every response addressed to this user.
	ThreadTag string

	Status protocol.Status

	LoginTime     time.Time
	LastRequestAt time.Time

	// RequestStart is the receipt time of the request whose response is
	// currently deferred; the response carries now minus this as server
	// processing time.
	RequestStart time.Time

	// PendingSeq is the sequence number of the chat message whose response
	// is currently deferred.
	PendingSeq uint64

	ReceivedMessages uint64
	SentEvents       uint64
	ReceivedConfirms uint64

	// Finished marks the entry for deletion; the entry stays visible until
	// it is gone from every wait list.
	Finished bool
}

// Stats returns the counter snapshot carried on response PDUs.
func (e *Entry) Stats() protocol.SessionStats {
	return protocol.SessionStats{
		ReceivedMessages: e.ReceivedMessages,
		SentEvents:       e.SentEvents,
		ReceivedConfirms: e.ReceivedConfirms,
	}
}
