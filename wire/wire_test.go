package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/telemetry-core/utils"
)

func TestPackAndDecodeHeader(t *testing.T) {
	t.Run("round trips a body length", func(t *testing.T) {
		hdr := PackHeader(1234)
		n, err := DecodeHeader(hdr[:], MaxMessageSize)
		require.NoError(t, err)
		assert.Equal(t, 1234, n)
	})

	t.Run("zero length header reads immediately", func(t *testing.T) {
		hdr := PackHeader(0)
		n, err := DecodeHeader(hdr[:], MaxMessageSize)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("rejects a header declaring a body over the limit", func(t *testing.T) {
		hdr := PackHeader(MaxMessageSize + 1)
		_, err := DecodeHeader(hdr[:], MaxMessageSize)
		assert.Error(t, err)
	})

	t.Run("accepts a body exactly at the limit", func(t *testing.T) {
		hdr := PackHeader(MaxDataFrameMessageSize)
		n, err := DecodeHeader(hdr[:], MaxDataFrameMessageSize)
		require.NoError(t, err)
		assert.Equal(t, MaxDataFrameMessageSize, n)
	})

	t.Run("rejects a short header", func(t *testing.T) {
		_, err := DecodeHeader([]byte{0, 1}, MaxMessageSize)
		assert.Error(t, err)
	})
}

func TestPackMessage(t *testing.T) {
	t.Run("packs a response with header prefix", func(t *testing.T) {
		resp := ConnectionInfoResponse(0)
		buf, err := PackMessage(resp, MaxMessageSize)
		require.NoError(t, err)
		require.True(t, len(buf) > HeaderSize)

		n, err := DecodeHeader(buf[:HeaderSize], MaxMessageSize)
		require.NoError(t, err)
		assert.Equal(t, len(buf)-HeaderSize, n)

		assert.True(t, utils.IsJsonString(string(buf[HeaderSize:])), "decoded body must be valid JSON")

		decoded, err := UnpackResponse(buf[HeaderSize:])
		require.NoError(t, err)
		assert.Equal(t, int64(NotificationRequestID), decoded.RequestID)
		assert.Equal(t, ResponseTypeConnectionInfo, decoded.Type)
		assert.Equal(t, uint32(0), decoded.TCPConnectionID)
	})

	t.Run("fails when encoded dataframe exceeds the datagram limit", func(t *testing.T) {
		frame := ControllerDataFrame{
			SequenceNumber: 1,
			Body:           []byte(`"` + strings.Repeat("x", MaxDataFrameMessageSize*2) + `"`),
		}
		_, err := PackMessage(frame, MaxDataFrameMessageSize)
		assert.Error(t, err)
	})
}

func TestUnpackRequest(t *testing.T) {
	buf, err := PackMessage(Request{RequestID: 7, Method: "ping"}, MaxMessageSize)
	require.NoError(t, err)

	req, err := UnpackRequest(buf[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, int64(7), req.RequestID)
	assert.Equal(t, "ping", req.Method)
}

func TestUnpackRequestEmptyBody(t *testing.T) {
	req, err := UnpackRequest(nil)
	require.NoError(t, err)
	assert.Equal(t, Request{}, req)

	req, err = UnpackRequest([]byte{})
	require.NoError(t, err)
	assert.Equal(t, Request{}, req)
}
