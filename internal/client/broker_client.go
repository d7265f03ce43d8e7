package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/metrics"
	"github.com/heikotroetsch/simedge/internal/model"
	"github.com/heikotroetsch/simedge/internal/protocol"
	"github.com/heikotroetsch/simedge/internal/validation"
)

var errSessionClosed = errors.New("broker session closed")

// BrokerMessageHandler receives every parsed inbound broker line.
type BrokerMessageHandler interface {
	HandleBrokerMessage(msg protocol.BrokerMessage)
}

// BrokerClient owns the TCP session with the broker. Outbound messages go
// through an unbounded queue so callers never block on the socket; inbound
// lines are parsed and handed to the handler in arrival order.
type BrokerClient struct {
	host    string
	port    int
	config  *BrokerClientConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	conn    net.Conn
	queue   []string
	handler BrokerMessageHandler
	closing bool

	signal    chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	connected atomic.Bool
}

// BrokerClientConfig holds broker session configuration
type BrokerClientConfig struct {
	DialTimeout   time.Duration
	RetryInterval time.Duration
	MaxRetries    int
	FlushTimeout  time.Duration
}

// NewBrokerClient creates a broker client; call Connect or Attach, then Run.
func NewBrokerClient(host string, port int, cfg *BrokerClientConfig, m *metrics.Metrics, logger *zap.Logger) *BrokerClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}

	return &BrokerClient{
		host:    host,
		port:    port,
		config:  cfg,
		metrics: m,
		logger:  logger,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SetHandler installs the inbound message handler
func (c *BrokerClient) SetHandler(h BrokerMessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Address returns host:port of the broker
func (c *BrokerClient) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Connect dials the broker, retrying up to MaxRetries times.
func (c *BrokerClient) Connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.config.DialTimeout}
	addr := c.Address()
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			c.logger.Info("Connected to broker", zap.String("broker", addr), zap.Int("attempt", attempt))
			c.Attach(conn)
			return nil
		}

		lastErr = err
		c.logger.Warn("Failed to connect to broker, retrying...",
			zap.String("broker", addr),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.config.MaxRetries),
			zap.Error(err))

		if attempt < c.config.MaxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled while connecting to broker: %w", ctx.Err())
			case <-time.After(c.config.RetryInterval):
			}
		}
	}

	return simerrors.BrokerClosed(fmt.Errorf("failed to connect after %d attempts: %w", c.config.MaxRetries, lastErr))
}

// Attach uses an established connection for the session
func (c *BrokerClient) Attach(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.connected.Store(true)
	c.metrics.SetBrokerConnected(true)
}

// Run serves the session until ctx is done, Close is called or the
// connection fails. A session ended locally returns nil.
func (c *BrokerClient) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return simerrors.BrokerClosed(errors.New("not connected"))
	}

	c.running.Store(true)
	defer close(c.stopped)
	defer func() {
		c.connected.Store(false)
		c.metrics.SetBrokerConnected(false)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error { return c.writeLoop(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		c.stop()
		return conn.Close()
	})

	err := g.Wait()
	if errors.Is(err, errSessionClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	if err == nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *BrokerClient) readLoop(conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if c.isClosing() {
				return errSessionClosed
			}
			c.logger.Error("Broker connection lost", zap.Error(err))
			return simerrors.BrokerClosed(err)
		}

		msg, perr := protocol.ParseBrokerLine(line)
		if perr != nil {
			c.metrics.RecordBrokerMessage("in", "unknown")
			c.logger.Warn("Dropping unparsable broker line", zap.String("line", line), zap.Error(perr))
			continue
		}
		c.metrics.RecordBrokerMessage("in", msg.Code.String())

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			c.logger.Debug("No handler for broker message", zap.Stringer("code", msg.Code))
			continue
		}
		handler.HandleBrokerMessage(msg)
	}
}

func (c *BrokerClient) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-c.signal:
			if err := c.flush(conn); err != nil {
				return err
			}
		case <-c.done:
			// drain what was queued before the close
			if err := conn.SetWriteDeadline(time.Now().Add(c.config.FlushTimeout)); err != nil {
				c.logger.Debug("Failed to set write deadline", zap.Error(err))
			}
			if err := c.flush(conn); err != nil {
				c.logger.Warn("Failed to flush broker queue on close", zap.Error(err))
			}
			return errSessionClosed
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *BrokerClient) flush(conn net.Conn) error {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, line := range batch {
		if _, err := conn.Write([]byte(line)); err != nil {
			return simerrors.BrokerClosed(err)
		}
		c.metrics.RecordBrokerMessage("out", protocol.BrokerCode(line[0]-'0').String())
	}
	return nil
}

func (c *BrokerClient) enqueue(msg protocol.BrokerMessage) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.logger.Debug("Dropping broker message after close", zap.Stringer("code", msg.Code))
		return
	}
	c.queue = append(c.queue, msg.Encode())
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *BrokerClient) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Register introduces this node with its identity, the number of resources
// it offers and its measured latency vector.
func (c *BrokerClient) Register(identity string, resources int, pings []int) {
	identity = validation.SanitizeIdentity(identity)
	c.logger.Info("Registering with broker",
		zap.String("identity", identity),
		zap.Int("resources", resources),
		zap.Ints("pings", pings),
		zap.String("broker", c.Address()))
	c.enqueue(protocol.NewHello(identity, resources, pings))
}

// GetResource asks the broker for n peers
func (c *BrokerClient) GetResource(n int) {
	c.enqueue(protocol.NewGetResource(n))
}

// ReturnResource hands a peer back with its last RTT estimate
func (c *BrokerClient) ReturnResource(address string, rtt float64) {
	c.enqueue(protocol.NewReturnResource(address, rtt))
}

// CheckModel asks whether the fleet already has hash
func (c *BrokerClient) CheckModel(hash model.ModelHash) {
	c.enqueue(protocol.NewCheckModel(hash))
}

// ModelCached reports that hash is now held locally
func (c *BrokerClient) ModelCached(hash model.ModelHash) {
	c.enqueue(protocol.NewModelCached(hash))
}

// ModelExpired reports that hash left the local memory cache
func (c *BrokerClient) ModelExpired(hash model.ModelHash) {
	c.enqueue(protocol.NewModelExpired(hash))
}

// Bye announces the end of the session
func (c *BrokerClient) Bye() {
	c.enqueue(protocol.NewBye())
}

// Connected reports whether the session is up
func (c *BrokerClient) Connected() bool {
	return c.connected.Load()
}

// Stop ends the session without waiting. Queued messages are still flushed.
func (c *BrokerClient) Stop() {
	c.stop()
}

func (c *BrokerClient) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		close(c.done)
	})
}

// Close flushes queued messages, bounded by FlushTimeout, and closes the connection.
func (c *BrokerClient) Close() error {
	c.stop()

	if c.running.Load() {
		select {
		case <-c.stopped:
			return nil
		case <-time.After(2 * c.config.FlushTimeout):
			c.logger.Warn("Broker session did not stop in time")
		}
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}
