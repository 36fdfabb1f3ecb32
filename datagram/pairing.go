package datagram

import (
	"encoding/binary"
	"net"

	"github.com/cyberinferno/telemetry-core/logger"
	"github.com/cyberinferno/telemetry-core/registry"
	"github.com/cyberinferno/telemetry-core/session"
	"github.com/cyberinferno/telemetry-core/utils"
)

// PairingIDSize is the exact wire length of a pairing handshake datagram: a
// big-endian uint32 connection id. Anything else is rejected, the decision
// documented in DESIGN.md for spec.md §9's open question on pairing
// datagram size validation.
const PairingIDSize = 4

// HandlePairingDatagram implements one WAIT_ID -> LOOKUP -> bind transition.
// It looks up the claimed connection id in reg and binds the UDP peer on
// success. ok reports whether pd carried a well-formed id worth acking; the
// socket's read loop keeps reading regardless of ok, and the caller (core
// loop) sends the ack byte back to ackTo only when ok is true.
func HandlePairingDatagram(reg *registry.Registry, log logger.Logger, pd session.PairingDatagram) (ackTo *net.UDPAddr, ack []byte, ok bool) {
	if pd.Err != nil {
		log.Warn("pairing socket read failed", logger.Field{Key: "error", Value: pd.Err})
		return nil, nil, false
	}

	if len(pd.Data) != PairingIDSize {
		log.Warn("rejected malformed pairing datagram", logger.Field{Key: "size", Value: len(pd.Data)})
		return nil, nil, false
	}

	id := session.ConnectionId(binary.BigEndian.Uint32(pd.Data))
	sess, found := reg.Lookup(id)

	bound := false
	if found {
		sess.BindUDPPeer(pd.Addr)
		bound = true
	} else {
		log.Warn("pairing id not found", logger.Field{Key: "connection_id", Value: uint32(id)})
	}

	log.Info("pairing ack",
		logger.Field{Key: "connection_id", Value: uint32(id)},
		logger.Field{Key: "peer", Value: pd.Addr.String()},
		logger.Field{Key: "accepted", Value: utils.BoolToYesNo(bound)})

	return pd.Addr, encodeAck(bound), true
}

// encodeAck packs the pairing handshake's single-byte boolean result.
func encodeAck(bound bool) []byte {
	if bound {
		return []byte{1}
	}

	return []byte{0}
}

// DecodeAck is the client-side counterpart used by internal/testclient.
func DecodeAck(b []byte) bool {
	return len(b) == 1 && b[0] == 1
}

// EncodePairingID is the client-side counterpart used by internal/testclient
// to build the 4-byte id datagram sent to WAIT_ID.
func EncodePairingID(id uint32) []byte {
	buf := make([]byte, PairingIDSize)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}
