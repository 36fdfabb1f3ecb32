// Package wire implements the length-prefixed framing used on both the
// stream (TCP) and datagram (UDP) transports, along with the concrete
// Request/Response/ControllerDataFrame records exchanged over them.
//
// A framed message is [HeaderSize bytes: big-endian body length][body].
// HeaderSize and the byte order are fixed compile-time constants that must
// match the client; they are not negotiated.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cyberinferno/telemetry-core/utils"
)

const (
	// HeaderSize is the number of bytes used to encode a message body length.
	HeaderSize = 4

	// MaxMessageSize bounds the body length accepted on the stream transport.
	// A header declaring a larger body is fatal to the session (§4.1).
	MaxMessageSize = 1 << 20 // 1 MiB

	// MaxDataFrameMessageSize bounds a single telemetry frame's body so that
	// HeaderSize+body stays comfortably under a safe UDP MTU (1232 bytes).
	// A frame that does not fit is dropped, never fragmented.
	MaxDataFrameMessageSize = 1200
)

// ResponseType distinguishes the unsolicited CONNECTION_INFO notification
// from an ordinary reply to a client Request.
type ResponseType int

const (
	ResponseTypeResult ResponseType = iota
	ResponseTypeConnectionInfo
)

// ResultCode reports the outcome of handling a Request.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultError
)

// NotificationRequestID is the sentinel request id carried by any Response
// that is server-initiated rather than a reply to a specific Request.
const NotificationRequestID = -1

// Request is the opaque, client-initiated record dispatched to the request
// handler. Body is left as raw JSON so the handler owns its own schema.
type Request struct {
	RequestID int64           `json:"request_id"`
	Method    string          `json:"method,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Response is the record the core writes back over the stream transport,
// either as a reply to a Request (RequestID matching) or as a notification
// (RequestID == NotificationRequestID).
type Response struct {
	RequestID        int64           `json:"request_id"`
	Type             ResponseType    `json:"type"`
	ResultCode       ResultCode      `json:"result_code"`
	TCPConnectionID  uint32          `json:"tcp_connection_id,omitempty"`
	Body             json.RawMessage `json:"body,omitempty"`
}

// ControllerDataFrame is the opaque, high-rate telemetry record sent over
// the datagram transport once a session's UDP peer is bound.
type ControllerDataFrame struct {
	SequenceNumber uint64          `json:"seq"`
	Body           json.RawMessage `json:"body,omitempty"`
}

// ConnectionInfoResponse builds the unsolicited first stream message a
// session sends after being activated, carrying the id the client must echo
// back over UDP to pair (spec.md §6).
func ConnectionInfoResponse(id uint32) Response {
	return Response{
		RequestID:       NotificationRequestID,
		Type:            ResponseTypeConnectionInfo,
		ResultCode:      ResultOK,
		TCPConnectionID: id,
	}
}

// PackHeader writes the big-endian body length into a 4-byte header.
func PackHeader(bodyLen int) [HeaderSize]byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(bodyLen))
	return hdr
}

// DecodeHeader parses a HeaderSize-byte header into a body length, validating
// it against limit. Overflow (length > limit) is fatal for the session per
// spec.md §4.1 — the caller must stop() on error.
func DecodeHeader(hdr []byte, limit int) (int, error) {
	if len(hdr) != HeaderSize {
		return 0, fmt.Errorf("wire: header must be %d bytes, got %d", HeaderSize, len(hdr))
	}

	n := binary.BigEndian.Uint32(hdr)
	if int(n) > limit {
		return 0, fmt.Errorf("wire: body length %d exceeds limit %d", n, limit)
	}

	return int(n), nil
}

// PackMessage serializes v as JSON and prepends the framing header, using
// utils.JoinBytes the way the teacher's codec-adjacent helpers always
// assemble a wire buffer from header+body pieces. It fails if the encoded
// body exceeds limit (MaxMessageSize for responses, MaxDataFrameMessageSize
// for dataframes).
func PackMessage(v any, limit int) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}

	if len(body) > limit {
		return nil, fmt.Errorf("wire: encoded size %d exceeds limit %d", len(body), limit)
	}

	hdr := PackHeader(len(body))
	return utils.JoinBytes(hdr[:], body), nil
}

// UnpackRequest parses a Request body (the bytes following the header). A
// header declaring a zero-length body yields a zero-value Request without
// invoking the JSON decoder: an empty body is well-formed on the wire (§8
// "body read completes immediately"), and what it means is the request
// handler's concern, not a framing error.
func UnpackRequest(body []byte) (Request, error) {
	if len(body) == 0 {
		return Request{}, nil
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("wire: unmarshal request: %w", err)
	}

	return req, nil
}

// UnpackResponse parses a Response body; used by test clients reading the
// server's stream output.
func UnpackResponse(body []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, fmt.Errorf("wire: unmarshal response: %w", err)
	}

	return resp, nil
}

// UnpackControllerDataFrame parses a ControllerDataFrame body; used by test
// clients reading telemetry off the UDP socket.
func UnpackControllerDataFrame(body []byte) (ControllerDataFrame, error) {
	var frame ControllerDataFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return ControllerDataFrame{}, fmt.Errorf("wire: unmarshal dataframe: %w", err)
	}

	return frame, nil
}
