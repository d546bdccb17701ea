package peerprotocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message, fast, ext bool) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))
	got, err := ReadMessage(&buf, fast, ext)
	require.NoError(t, err)
	return got
}

func TestRoundTripBaseMessages(t *testing.T) {
	assert.Equal(t, ChokeMessage{}, roundTrip(t, ChokeMessage{}, false, false))
	assert.Equal(t, UnchokeMessage{}, roundTrip(t, UnchokeMessage{}, false, false))
	assert.Equal(t, InterestedMessage{}, roundTrip(t, InterestedMessage{}, false, false))
	assert.Equal(t, HaveMessage{Index: 7}, roundTrip(t, HaveMessage{Index: 7}, false, false))
	assert.Equal(t, BitfieldMessage{Data: []byte{0xff, 0x00}}, roundTrip(t, BitfieldMessage{Data: []byte{0xff, 0x00}}, false, false))
	assert.Equal(t, RequestMessage{Index: 1, Begin: 2, Length: 3}, roundTrip(t, RequestMessage{Index: 1, Begin: 2, Length: 3}, false, false))
	assert.Equal(t, CancelMessage{Index: 1, Begin: 2, Length: 3}, roundTrip(t, CancelMessage{Index: 1, Begin: 2, Length: 3}, false, false))
	assert.Equal(t, PieceMessage{Index: 1, Begin: 2, Data: []byte("hello")}, roundTrip(t, PieceMessage{Index: 1, Begin: 2, Data: []byte("hello")}, false, false))
	assert.Equal(t, PortMessage{Port: 6881}, roundTrip(t, PortMessage{Port: 6881}, false, false))
}

func TestRoundTripFastMessages(t *testing.T) {
	assert.Equal(t, HaveAllMessage{}, roundTrip(t, HaveAllMessage{}, true, false))
	assert.Equal(t, HaveNoneMessage{}, roundTrip(t, HaveNoneMessage{}, true, false))
	assert.Equal(t, SuggestPieceMessage{Index: 4}, roundTrip(t, SuggestPieceMessage{Index: 4}, true, false))
	assert.Equal(t, RejectMessage{Index: 1, Begin: 2, Length: 3}, roundTrip(t, RejectMessage{Index: 1, Begin: 2, Length: 3}, true, false))
	assert.Equal(t, AllowedFastMessage{Index: 9}, roundTrip(t, AllowedFastMessage{Index: 9}, true, false))
}

func TestFastMessageRejectedWithoutNegotiation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, HaveAllMessage{}))
	_, err := ReadMessage(&buf, false, false)
	assert.Error(t, err)
}

func TestExtendedMessageRejectedWithoutNegotiation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, ExtensionMessage{ExtendedMessageID: 1, Payload: []byte("x")}))
	_, err := ReadMessage(&buf, false, false)
	assert.Error(t, err)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, KeepAliveMessage{}))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())
	got, err := ReadMessage(&buf, false, false)
	require.NoError(t, err)
	assert.Equal(t, KeepAliveMessage{}, got)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	h := NewHandshake(infoHash, peerID, true, true)
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
	assert.True(t, got.SupportsFast())
	assert.True(t, got.SupportsExtensionProtocol())
}

func TestHandshakeRejectsBadProtocolString(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(3)
	buf.WriteString("abc")
	buf.Write(make([]byte, reservedLength+20+20))
	_, err := ReadHandshake(&buf)
	assert.ErrorIs(t, err, ErrBadProtocolString)
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	h := NewExtensionHandshake(1024, "peerengine/1.0", nil)
	h.M["ut_metadata"] = 1
	b, err := h.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalExtensionHandshake(b)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, got.MetadataSize)
	assert.Equal(t, 1, got.M["ut_metadata"])
}
