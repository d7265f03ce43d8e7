package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/model"
	"github.com/heikotroetsch/simedge/internal/protocol"
)

type collectingHandler struct {
	mu       sync.Mutex
	messages []protocol.BrokerMessage
}

func (h *collectingHandler) HandleBrokerMessage(msg protocol.BrokerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *collectingHandler) received() []protocol.BrokerMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.BrokerMessage(nil), h.messages...)
}

type pipeSession struct {
	client  *BrokerClient
	handler *collectingHandler
	broker  net.Conn
	lines   chan string
	runErr  chan error
}

func newPipeSession(t *testing.T) *pipeSession {
	t.Helper()
	local, remote := net.Pipe()

	s := &pipeSession{
		client:  NewBrokerClient("broker", 12244, &BrokerClientConfig{FlushTimeout: 200 * time.Millisecond}, nil, zap.NewNop()),
		handler: &collectingHandler{},
		broker:  remote,
		lines:   make(chan string, 64),
		runErr:  make(chan error, 1),
	}
	s.client.SetHandler(s.handler)
	s.client.Attach(local)

	go func() {
		reader := bufio.NewReader(remote)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(s.lines)
				return
			}
			s.lines <- line
		}
	}()
	go func() { s.runErr <- s.client.Run(context.Background()) }()

	t.Cleanup(func() {
		s.client.Close()
		remote.Close()
	})
	return s
}

func (s *pipeSession) next(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-s.lines:
		require.True(t, ok, "broker connection closed")
		return line
	case <-time.After(time.Second):
		t.Fatal("no line written to broker")
		return ""
	}
}

func TestBrokerClientWritesInOrder(t *testing.T) {
	s := newPipeSession(t)
	hash := model.ComputeHash([]byte("m"))

	s.client.Register("node;1", 2, []int{12, 30})
	s.client.CheckModel(hash)
	s.client.GetResource(3)
	s.client.ReturnResource("peer-a", 12.5)
	s.client.ModelCached(hash)
	s.client.ModelExpired(hash)

	assert.Equal(t, "1node1;2;12;30;\n", s.next(t))
	assert.Equal(t, "6"+hash.String()+";\n", s.next(t))
	assert.Equal(t, "33;\n", s.next(t))
	assert.Equal(t, "4peer-a;12.5;\n", s.next(t))
	assert.Equal(t, "7"+hash.String()+";\n", s.next(t))
	assert.Equal(t, "8"+hash.String()+";\n", s.next(t))
	assert.True(t, s.client.Connected())
}

func TestBrokerClientDispatchesInboundLines(t *testing.T) {
	s := newPipeSession(t)

	_, err := s.broker.Write([]byte("3peer-a;42;\r\ngarbage\n6abc;1;\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(s.handler.received()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := s.handler.received()
	assert.Equal(t, protocol.BrokerGetResource, msgs[0].Code)
	assert.Equal(t, []string{"peer-a", "42"}, msgs[0].Fields)
	assert.Equal(t, protocol.BrokerCheckModel, msgs[1].Code)
}

func TestBrokerClientCloseFlushesBye(t *testing.T) {
	s := newPipeSession(t)

	s.client.GetResource(1)
	s.client.Bye()
	require.NoError(t, s.client.Close())

	assert.Equal(t, "31;\n", s.next(t))
	assert.Equal(t, "2\n", s.next(t))

	select {
	case err := <-s.runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, s.client.Connected())

	// sends after close are dropped
	s.client.GetResource(1)
}

func TestBrokerClientRemoteCloseEndsRun(t *testing.T) {
	s := newPipeSession(t)
	require.NoError(t, s.broker.Close())

	select {
	case err := <-s.runErr:
		require.Error(t, err)
		assert.Equal(t, simerrors.ErrCodeBrokerClosed, simerrors.GetCode(err))
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestBrokerClientConnectRetries(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	require.NoError(t, listener.Close())

	c := NewBrokerClient("127.0.0.1", addr.Port, &BrokerClientConfig{
		DialTimeout:   100 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		MaxRetries:    2,
	}, nil, zap.NewNop())

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, simerrors.ErrCodeBrokerClosed, simerrors.GetCode(err))
	assert.False(t, c.Connected())
}

func TestBrokerClientConnect(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	c := NewBrokerClient("127.0.0.1", addr.Port, &BrokerClientConfig{MaxRetries: 1}, nil, zap.NewNop())
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())

	conn := <-accepted
	defer conn.Close()
	require.NoError(t, c.Close())
}

func TestRunWithoutConnection(t *testing.T) {
	c := NewBrokerClient("broker", 1, &BrokerClientConfig{}, nil, zap.NewNop())
	assert.Error(t, c.Run(context.Background()))
}
