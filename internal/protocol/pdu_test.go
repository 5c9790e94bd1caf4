package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewLoginRequest tests login request construction and validation
func TestNewLoginRequest(t *testing.T) {
	pdu, err := NewLoginRequest("alice", "tag-1")
	require.NoError(t, err)
	assert.Equal(t, KindLoginRequest, pdu.Kind)
	assert.Equal(t, "alice", pdu.UserName)
	assert.Equal(t, "tag-1", pdu.ClientThreadTag)
	assert.NotEmpty(t, pdu.Timestamp)

	_, err = NewLoginRequest("", "tag-1")
	assert.ErrorIs(t, err, ErrIncompletePDU)
}

// TestNewChatMessageRequest tests chat request construction
func TestNewChatMessageRequest(t *testing.T) {
	pdu, err := NewChatMessageRequest("alice", "hello", 3, "tag-1")
	require.NoError(t, err)
	assert.Equal(t, KindChatMessageRequest, pdu.Kind)
	assert.Equal(t, "hello", pdu.Message)
	assert.Equal(t, uint64(3), pdu.SequenceNumber)

	_, err = NewChatMessageRequest("", "hello", 1, "")
	assert.ErrorIs(t, err, ErrIncompletePDU)
}

// TestNewLoginEvent tests event derivation from the originating request
func TestNewLoginEvent(t *testing.T) {
	req, err := NewLoginRequest("alice", "tag-1")
	require.NoError(t, err)

	roster := []string{"alice", "bob"}
	event, err := NewLoginEvent("bob", roster, req)
	require.NoError(t, err)
	assert.Equal(t, KindLoginEvent, event.Kind)
	assert.Equal(t, "bob", event.UserName)
	assert.Equal(t, "alice", event.EventUserName)
	assert.Equal(t, roster, event.ClientNames)
	assert.Equal(t, RosterDigestOf(roster), event.RosterDigest)
	assert.Equal(t, "tag-1", event.ClientThreadTag)

	_, err = NewLoginEvent("", roster, req)
	assert.ErrorIs(t, err, ErrIncompletePDU)
	_, err = NewLoginEvent("bob", roster, nil)
	assert.ErrorIs(t, err, ErrIncompletePDU)
}

// TestNewChatMessageEvent tests that the event carries the message and
// sequence of the request
func TestNewChatMessageEvent(t *testing.T) {
	req, err := NewChatMessageRequest("alice", "hi all", 9, "tag-1")
	require.NoError(t, err)

	event, err := NewChatMessageEvent("carol", req)
	require.NoError(t, err)
	assert.Equal(t, KindChatMessageEvent, event.Kind)
	assert.Equal(t, "carol", event.UserName)
	assert.Equal(t, "alice", event.EventUserName)
	assert.Equal(t, "hi all", event.Message)
	assert.Equal(t, uint64(9), event.SequenceNumber)
}

// TestEventConfirms tests confirm derivation from events
func TestEventConfirms(t *testing.T) {
	req, err := NewChatMessageRequest("alice", "hi", 4, "tag-1")
	require.NoError(t, err)
	event, err := NewChatMessageEvent("bob", req)
	require.NoError(t, err)

	confirm, err := NewChatMessageConfirm("bob", event)
	require.NoError(t, err)
	assert.Equal(t, KindChatMessageConfirm, confirm.Kind)
	assert.Equal(t, "bob", confirm.UserName)
	assert.Equal(t, "alice", confirm.EventUserName)
	assert.Equal(t, uint64(4), confirm.SequenceNumber)
	assert.Equal(t, "tag-1", confirm.ClientThreadTag)

	_, err = NewChatMessageConfirm("", event)
	assert.ErrorIs(t, err, ErrIncompletePDU)
	_, err = NewChatMessageConfirm("bob", &PDU{Kind: KindChatMessageEvent})
	assert.ErrorIs(t, err, ErrIncompletePDU)
}

// TestNewLoginErrorResponse tests the rejection response
func TestNewLoginErrorResponse(t *testing.T) {
	req, err := NewLoginRequest("alice", "tag-1")
	require.NoError(t, err)

	resp, err := NewLoginErrorResponse(req, ErrorCodeDuplicateLogin)
	require.NoError(t, err)
	assert.Equal(t, KindLoginErrorResponse, resp.Kind)
	assert.Equal(t, ErrorCodeDuplicateLogin, resp.ErrorCode)
	assert.Equal(t, "alice", resp.UserName)

	_, err = NewLoginErrorResponse(nil, ErrorCodeDuplicateLogin)
	assert.ErrorIs(t, err, ErrIncompletePDU)
}

// TestNewChatMessageResponse tests the deferred response payload
func TestNewChatMessageResponse(t *testing.T) {
	stats := SessionStats{ReceivedMessages: 2, SentEvents: 5, ReceivedConfirms: 4}
	resp, err := NewChatMessageResponse("alice", 2, stats, 150*time.Millisecond, "tag-1")
	require.NoError(t, err)
	assert.Equal(t, KindChatMessageResponse, resp.Kind)
	assert.Equal(t, uint64(2), resp.SequenceNumber)
	assert.Equal(t, uint64(2), resp.ReceivedMessages)
	assert.Equal(t, uint64(5), resp.SentEvents)
	assert.Equal(t, uint64(4), resp.ReceivedConfirms)
	assert.Equal(t, (150 * time.Millisecond).Nanoseconds(), resp.ServerTimeNanos)

	_, err = NewChatMessageResponse("", 2, stats, 0, "")
	assert.ErrorIs(t, err, ErrIncompletePDU)
}

// TestRosterDigestOf tests that the digest distinguishes rosters and
// boundaries
func TestRosterDigestOf(t *testing.T) {
	a := RosterDigestOf([]string{"alice", "bob"})
	b := RosterDigestOf([]string{"alice", "bob"})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, RosterDigestOf([]string{"alice"}))
	assert.NotEqual(t, a, RosterDigestOf([]string{"bob", "alice"}))
	// Name boundaries matter: "ab"+"c" must not collide with "a"+"bc".
	assert.NotEqual(t, RosterDigestOf([]string{"ab", "c"}), RosterDigestOf([]string{"a", "bc"}))
}

// TestKindClassification tests the IsEvent/IsConfirm helpers
func TestKindClassification(t *testing.T) {
	assert.True(t, KindLoginEvent.IsEvent())
	assert.True(t, KindLogoutEvent.IsEvent())
	assert.True(t, KindChatMessageEvent.IsEvent())
	assert.False(t, KindLoginRequest.IsEvent())

	assert.True(t, KindLoginEventConfirm.IsConfirm())
	assert.True(t, KindLogoutEventConfirm.IsConfirm())
	assert.True(t, KindChatMessageConfirm.IsConfirm())
	assert.False(t, KindChatMessageResponse.IsConfirm())
}
