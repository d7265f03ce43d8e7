package transport

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/metrics"
)

type recordingListener struct {
	senders []string
	frames  [][]byte
	gone    []string
}

func (l *recordingListener) HandleMessage(sender string, payload []byte) {
	l.senders = append(l.senders, sender)
	l.frames = append(l.frames, payload)
}

func (l *recordingListener) HandlePeerUnreachable(address string) {
	l.gone = append(l.gone, address)
}

func TestEnvelope(t *testing.T) {
	frame := []byte{0, 0, 0, 0, 0, 0, 0, 1, 2, 'o', 'k'}
	data := encodeEnvelope("node-a", frame)

	sender, got, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "node-a", sender)
	assert.Equal(t, frame, got)

	sender, got, err = decodeEnvelope(encodeEnvelope("node-a", nil))
	require.NoError(t, err)
	assert.Equal(t, "node-a", sender)
	assert.Empty(t, got)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, {0}, {0, 0, 1}, {0, 9, 'a', 'b'}} {
		_, _, err := decodeEnvelope(data)
		require.Error(t, err)
		assert.Equal(t, simerrors.ErrCodeMalformedFrame, simerrors.GetCode(err))
	}
}

func TestNotifyMsgCopiesFrame(t *testing.T) {
	listener := &recordingListener{}
	ot := &OverlayTransport{nodeID: "local", logger: zap.NewNop()}
	ot.SetListener(listener)

	buf := encodeEnvelope("node-b", []byte("frame"))
	ot.NotifyMsg(buf)
	ot.NotifyMsg([]byte{7})

	for i := range buf {
		buf[i] = 0
	}

	require.Len(t, listener.frames, 1)
	assert.Equal(t, "node-b", listener.senders[0])
	assert.Equal(t, []byte("frame"), listener.frames[0])
}

func TestLeaveReportsUnreachablePeer(t *testing.T) {
	listener := &recordingListener{}
	ot := &OverlayTransport{nodeID: "local", logger: zap.NewNop()}
	ot.SetListener(listener)
	events := &overlayEventDelegate{transport: ot}

	events.NotifyLeave(testNode("node-b"))
	events.NotifyLeave(testNode("local"))

	assert.Equal(t, []string{"node-b"}, listener.gone)
}

func testNode(name string) *memberlist.Node {
	return &memberlist.Node{Name: name, Addr: net.ParseIP("127.0.0.1")}
}

func TestMemberCountBeforeMemberlistIsSet(t *testing.T) {
	m := metrics.NewMetrics("local", prometheus.NewRegistry())
	tr := &OverlayTransport{nodeID: "local", metrics: m, logger: zap.NewNop()}

	// join events can fire while the memberlist is still being created
	events := &overlayEventDelegate{transport: tr}
	events.NotifyJoin(&memberlist.Node{Name: "peer-a"})
	events.NotifyUpdate(&memberlist.Node{Name: "peer-a"})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OverlayMembersTotal))
}

func TestNewOverlayTransportCountsItself(t *testing.T) {
	m := metrics.NewMetrics("node-a", prometheus.NewRegistry())
	tr, err := NewOverlayTransport(&OverlayConfig{BindAddr: "127.0.0.1", BindPort: 0}, "node-a", m, zap.NewNop())
	require.NoError(t, err)
	defer tr.Shutdown()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OverlayMembersTotal))
	assert.Equal(t, []string{"node-a"}, tr.Members())
}
