package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/model"
)

func TestPeerMessageRoundTrip(t *testing.T) {
	hash := model.ComputeHash([]byte("mnist-8"))

	tests := []struct {
		name string
		msg  *PeerMessage
	}{
		{
			name: "probe with hash",
			msg:  NewProbe(hash[:]),
		},
		{
			name: "probe without payload",
			msg:  NewProbe(nil),
		},
		{
			name: "execute with indices",
			msg: &PeerMessage{
				Sequence:  42,
				Type:      MessageTypeExecute,
				DataType:  model.DataTypeFloat,
				ModelHash: hash,
				InputName: "Input3",
				Indices:   []int32{0, 3, 7},
				Payload:   []byte{1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		{
			name: "execute with unicode name and no indices",
			msg: &PeerMessage{
				Sequence:  7,
				Type:      MessageTypeExecute,
				DataType:  model.DataTypeChar,
				ModelHash: hash,
				InputName: "eingabe_ü",
				Payload:   []byte("abc"),
			},
		},
		{
			name: "result",
			msg: &PeerMessage{
				Sequence:        1 << 40,
				Type:            MessageTypeResult,
				ExecutionMillis: 23,
				Payload:         []byte{9, 9},
			},
		},
		{
			name: "probe reply",
			msg:  &PeerMessage{Sequence: ProbeSequence, Type: MessageTypeResult},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodePeerMessage(tt.msg)
			require.NoError(t, err)

			decoded, err := DecodePeerMessage(frame)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.msg, decoded, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("decoded frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeExecuteLayout(t *testing.T) {
	hash := model.ComputeHash([]byte("layout"))
	msg := &PeerMessage{
		Sequence:  5,
		Type:      MessageTypeExecute,
		DataType:  model.DataTypeInt,
		ModelHash: hash,
		InputName: "in",
		Indices:   []int32{2},
		Payload:   []byte{0xAA},
	}

	frame, err := EncodePeerMessage(msg)
	require.NoError(t, err)
	require.Len(t, frame, 8+1+1+20+4+2+4+4+1)

	assert.Equal(t, uint64(5), binary.BigEndian.Uint64(frame[0:8]))
	assert.Equal(t, byte(MessageTypeExecute), frame[8])
	assert.Equal(t, byte(model.DataTypeInt), frame[9])
	assert.Equal(t, hash[:], frame[10:30])
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(frame[30:34]))
	assert.Equal(t, "in", string(frame[34:36]))
	// the index list length is a byte count
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(frame[36:40]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(frame[40:44]))
	assert.Equal(t, byte(0xAA), frame[44])
}

func TestEncodeResultLayout(t *testing.T) {
	frame, err := EncodePeerMessage(&PeerMessage{Sequence: ProbeSequence, Type: MessageTypeResult, ExecutionMillis: 3})
	require.NoError(t, err)
	require.Len(t, frame, 17)

	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, frame[:8])
	assert.Equal(t, uint64(3), binary.BigEndian.Uint64(frame[9:17]))
}

func TestDecodeMalformedFrames(t *testing.T) {
	valid, err := EncodePeerMessage(&PeerMessage{
		Sequence:  1,
		Type:      MessageTypeExecute,
		InputName: "x",
		Indices:   []int32{1},
	})
	require.NoError(t, err)

	badNameLen := append([]byte{}, valid...)
	binary.BigEndian.PutUint32(badNameLen[30:], 1000)

	negativeNameLen := append([]byte{}, valid...)
	binary.BigEndian.PutUint32(negativeNameLen[30:], 0xFFFFFFFF)

	oddIndexLen := append([]byte{}, valid...)
	binary.BigEndian.PutUint32(oddIndexLen[35:], 3)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short header", []byte{0, 0, 0, 1}},
		{"unknown type", []byte{0, 0, 0, 0, 0, 0, 0, 1, 9}},
		{"short result", []byte{0, 0, 0, 0, 0, 0, 0, 1, 2, 0, 0}},
		{"short execute", valid[:20]},
		{"name length past end", badNameLen},
		{"negative name length", negativeNameLen},
		{"index length not multiple of four", oddIndexLen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodePeerMessage(tt.frame)
			assert.Nil(t, msg)
			require.Error(t, err)
			assert.Equal(t, simerrors.ErrCodeMalformedFrame, simerrors.GetCode(err))
		})
	}
}

func TestEncodeUnknownType(t *testing.T) {
	_, err := EncodePeerMessage(&PeerMessage{Type: MessageType(7)})
	require.Error(t, err)
	assert.Equal(t, simerrors.ErrCodeUnknownMessage, simerrors.GetCode(err))
}

func TestIsProbeReply(t *testing.T) {
	assert.True(t, (&PeerMessage{Sequence: ProbeSequence, Type: MessageTypeResult}).IsProbeReply())
	assert.False(t, (&PeerMessage{Sequence: 0, Type: MessageTypeResult}).IsProbeReply())
	assert.False(t, NewProbe(nil).IsProbeReply())
}
