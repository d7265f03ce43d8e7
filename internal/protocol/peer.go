package protocol

import (
	"encoding/binary"
	"fmt"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/model"
)

// MessageType is the second field of every peer frame
type MessageType byte

const (
	MessageTypeProbe   MessageType = 0
	MessageTypeExecute MessageType = 1
	MessageTypeResult  MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeProbe:
		return "probe"
	case MessageTypeExecute:
		return "execute"
	case MessageTypeResult:
		return "result"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// ProbeSequence is the sequence number carried by probes and their replies.
const ProbeSequence int64 = -1

const (
	headerSize       = 8 + 1
	executeFixedSize = 1 + model.HashSize + 4 + 4
	resultFixedSize  = 8
)

// PeerMessage is the decoded form of a peer frame.
//
// Only the fields relevant to Type are encoded: DataType, ModelHash, InputName
// and Indices for EXECUTE, ExecutionMillis for RESULT. Payload is always last.
type PeerMessage struct {
	Sequence        int64
	Type            MessageType
	DataType        model.DataType
	ModelHash       model.ModelHash
	InputName       string
	Indices         []int32
	Payload         []byte
	ExecutionMillis int64
}

// NewProbe builds a probe frame, optionally carrying a model hash to warm.
func NewProbe(payload []byte) *PeerMessage {
	return &PeerMessage{Sequence: ProbeSequence, Type: MessageTypeProbe, Payload: payload}
}

// IsProbeReply reports whether m answers a probe.
func (m *PeerMessage) IsProbeReply() bool {
	return m.Type == MessageTypeResult && m.Sequence == ProbeSequence
}

// EncodePeerMessage serializes m in big-endian byte order.
func EncodePeerMessage(m *PeerMessage) ([]byte, error) {
	switch m.Type {
	case MessageTypeProbe:
		buf := make([]byte, headerSize, headerSize+len(m.Payload))
		putHeader(buf, m)
		return append(buf, m.Payload...), nil

	case MessageTypeExecute:
		name := []byte(m.InputName)
		size := headerSize + executeFixedSize + len(name) + 4*len(m.Indices) + len(m.Payload)
		buf := make([]byte, size)
		putHeader(buf, m)
		off := headerSize
		buf[off] = byte(m.DataType)
		off++
		off += copy(buf[off:], m.ModelHash[:])
		binary.BigEndian.PutUint32(buf[off:], uint32(len(name)))
		off += 4
		off += copy(buf[off:], name)
		binary.BigEndian.PutUint32(buf[off:], uint32(4*len(m.Indices)))
		off += 4
		for _, idx := range m.Indices {
			binary.BigEndian.PutUint32(buf[off:], uint32(idx))
			off += 4
		}
		copy(buf[off:], m.Payload)
		return buf, nil

	case MessageTypeResult:
		buf := make([]byte, headerSize+resultFixedSize, headerSize+resultFixedSize+len(m.Payload))
		putHeader(buf, m)
		binary.BigEndian.PutUint64(buf[headerSize:], uint64(m.ExecutionMillis))
		return append(buf, m.Payload...), nil

	default:
		return nil, simerrors.UnknownMessage("peer", byte(m.Type))
	}
}

func putHeader(buf []byte, m *PeerMessage) {
	binary.BigEndian.PutUint64(buf, uint64(m.Sequence))
	buf[8] = byte(m.Type)
}

// DecodePeerMessage parses a frame. The returned payload aliases data.
func DecodePeerMessage(data []byte) (*PeerMessage, error) {
	if len(data) < headerSize {
		return nil, simerrors.MalformedFrame("short header", len(data))
	}

	m := &PeerMessage{
		Sequence: int64(binary.BigEndian.Uint64(data)),
		Type:     MessageType(data[8]),
	}
	body := data[headerSize:]

	switch m.Type {
	case MessageTypeProbe:
		m.Payload = body
		return m, nil

	case MessageTypeResult:
		if len(body) < resultFixedSize {
			return nil, simerrors.MalformedFrame("short result header", len(data))
		}
		m.ExecutionMillis = int64(binary.BigEndian.Uint64(body))
		m.Payload = body[resultFixedSize:]
		return m, nil

	case MessageTypeExecute:
		return decodeExecute(m, data, body)

	default:
		return nil, simerrors.MalformedFrame(fmt.Sprintf("unknown message type %d", byte(m.Type)), len(data))
	}
}

func decodeExecute(m *PeerMessage, data, body []byte) (*PeerMessage, error) {
	if len(body) < executeFixedSize {
		return nil, simerrors.MalformedFrame("short execute header", len(data))
	}

	m.DataType = model.DataType(body[0])
	copy(m.ModelHash[:], body[1:1+model.HashSize])
	body = body[1+model.HashSize:]

	nameLen := int32(binary.BigEndian.Uint32(body))
	body = body[4:]
	if nameLen < 0 || int(nameLen) > len(body)-4 {
		return nil, simerrors.MalformedFrame("input name length out of range", len(data))
	}
	m.InputName = string(body[:nameLen])
	body = body[nameLen:]

	idxBytes := int32(binary.BigEndian.Uint32(body))
	body = body[4:]
	if idxBytes < 0 || int(idxBytes) > len(body) || idxBytes%4 != 0 {
		return nil, simerrors.MalformedFrame("index list length out of range", len(data))
	}
	if idxBytes > 0 {
		m.Indices = make([]int32, idxBytes/4)
		for i := range m.Indices {
			m.Indices[i] = int32(binary.BigEndian.Uint32(body[4*i:]))
		}
	}
	m.Payload = body[idxBytes:]
	return m, nil
}
