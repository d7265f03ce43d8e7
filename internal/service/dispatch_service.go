package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/engine"
	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/metrics"
	"github.com/heikotroetsch/simedge/internal/model"
	"github.com/heikotroetsch/simedge/internal/protocol"
	"github.com/heikotroetsch/simedge/internal/util/workerpool"
	"github.com/heikotroetsch/simedge/internal/validation"
)

// DispatchService is the entry point for applications and for inbound peer
// frames. It submits work through the scheduler, executes requests sent by
// other peers and commits local models to the broker.
type DispatchService struct {
	config    *DispatchConfig
	scheduler *SchedulerService
	cache     *ModelCacheService
	commits   *CommitTracker
	broker    Broker
	sender    MessageSender
	uploader  Uploader
	engine    engine.Engine
	tasks     TaskSubmitter
	traces    *TraceService
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	sequence atomic.Int64
	results  chan Result
}

// DispatchConfig holds dispatch configuration
type DispatchConfig struct {
	CheckTimeout      time.Duration
	MaxUploadAttempts int
	ResultBuffer      int
}

// ExecutionRequest is one unit of work submitted by the application.
type ExecutionRequest struct {
	ModelHash model.ModelHash
	InputName string
	Payload   []byte
	DataType  model.DataType
	Indices   []int32
}

// Result is a completed execution delivered to the application.
type Result struct {
	Source          string
	Sequence        int64
	Payload         []byte
	ExecutionMillis int64
	Measurement     Measurement
}

// NewDispatchService creates a new dispatch service. traces may be nil.
func NewDispatchService(
	cfg *DispatchConfig,
	scheduler *SchedulerService,
	cache *ModelCacheService,
	commits *CommitTracker,
	broker Broker,
	sender MessageSender,
	uploader Uploader,
	eng engine.Engine,
	tasks TaskSubmitter,
	traces *TraceService,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DispatchService {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	if cfg.MaxUploadAttempts <= 0 {
		cfg.MaxUploadAttempts = 3
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 1024
	}

	return &DispatchService{
		config:    cfg,
		scheduler: scheduler,
		cache:     cache,
		commits:   commits,
		broker:    broker,
		sender:    sender,
		uploader:  uploader,
		engine:    eng,
		tasks:     tasks,
		traces:    traces,
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger,
		results:   make(chan Result, cfg.ResultBuffer),
	}
}

// Results delivers completed executions. Results are dropped when the
// channel is full.
func (d *DispatchService) Results() <-chan Result {
	return d.results
}

func (d *DispatchService) nextSequence() int64 {
	for {
		if seq := d.sequence.Add(1); seq != protocol.ProbeSequence {
			return seq
		}
	}
}

// SubmitExecution schedules req without blocking. False means nothing could
// take the request right now and the caller should retry.
func (d *DispatchService) SubmitExecution(req *ExecutionRequest) bool {
	if err := d.validator.ValidateExecution(req.ModelHash, req.InputName, req.Payload, req.DataType, req.Indices); err != nil {
		d.logger.Warn("Rejected invalid execution request", zap.Error(err))
		return false
	}

	address, ok := d.scheduler.Schedule(req.ModelHash)
	if !ok {
		return false
	}

	seq := d.nextSequence()
	if !d.scheduler.AddToMessageController(address, seq) {
		// peer evicted between selection and dispatch
		return false
	}

	msg := &protocol.PeerMessage{
		Sequence:  seq,
		Type:      protocol.MessageTypeExecute,
		DataType:  req.DataType,
		ModelHash: req.ModelHash,
		InputName: req.InputName,
		Indices:   req.Indices,
		Payload:   req.Payload,
	}

	if address == d.scheduler.LocalAddress() {
		return d.submitLocal(msg)
	}

	frame, err := protocol.EncodePeerMessage(msg)
	if err != nil {
		d.scheduler.Release(address, seq)
		d.logger.Error("Failed to encode execute frame", zap.Error(err))
		return false
	}
	if err := d.sender.Send(address, frame); err != nil {
		d.scheduler.Release(address, seq)
		d.logger.Warn("Failed to send execute frame",
			zap.String("peer", address),
			zap.Int64("sequence", seq),
			zap.Error(err))
		return false
	}

	d.metrics.RecordPeerMessage("out", protocol.MessageTypeExecute.String())
	return true
}

func (d *DispatchService) submitLocal(msg *protocol.PeerMessage) bool {
	local := d.scheduler.LocalAddress()
	task := workerpool.Task{
		ID:   uuid.NewString(),
		Name: "local_execute",
		Fn: func(ctx context.Context) error {
			start := time.Now()
			output, err := d.execute(msg)
			elapsed := time.Since(start)
			if err != nil {
				d.scheduler.Release(local, msg.Sequence)
				d.metrics.RecordExecution("local", "failed", elapsed.Seconds())
				return err
			}
			d.metrics.RecordExecution("local", "ok", elapsed.Seconds())
			d.handleResult(local, &protocol.PeerMessage{
				Sequence:        msg.Sequence,
				Type:            protocol.MessageTypeResult,
				ExecutionMillis: elapsed.Milliseconds(),
				Payload:         output,
			})
			return nil
		},
	}

	if !d.tasks.TrySubmit(task) {
		d.scheduler.Release(local, msg.Sequence)
		return false
	}
	return true
}

// HandleMessage processes one frame received from sender over the overlay.
// Malformed frames are dropped.
func (d *DispatchService) HandleMessage(sender string, payload []byte) {
	msg, err := protocol.DecodePeerMessage(payload)
	if err != nil {
		d.metrics.RecordMalformedFrame()
		d.logger.Warn("Dropping malformed peer frame",
			zap.String("peer", sender),
			zap.Int("size", len(payload)),
			zap.Error(err))
		return
	}
	d.metrics.RecordPeerMessage("in", msg.Type.String())

	switch msg.Type {
	case protocol.MessageTypeProbe:
		d.submitTask("probe", sender, func(ctx context.Context) error {
			d.answerProbe(sender, msg)
			return nil
		})
	case protocol.MessageTypeExecute:
		d.submitTask("execute", sender, func(ctx context.Context) error {
			return d.executeRemote(sender, msg)
		})
	case protocol.MessageTypeResult:
		d.handleResult(sender, msg)
	}
}

func (d *DispatchService) submitTask(name, sender string, fn func(context.Context) error) {
	task := workerpool.Task{ID: uuid.NewString(), Name: name, Fn: fn}
	if !d.tasks.TrySubmit(task) {
		d.logger.Warn("Dropping peer request, worker pool is full",
			zap.String("peer", sender),
			zap.String("task", name))
	}
}

// answerProbe warms the cache for the probed model and replies at once.
func (d *DispatchService) answerProbe(sender string, msg *protocol.PeerMessage) {
	if hash, ok := model.HashFromBytes(msg.Payload); ok {
		d.cache.Get(hash)
	}

	d.reply(sender, &protocol.PeerMessage{
		Sequence: protocol.ProbeSequence,
		Type:     protocol.MessageTypeResult,
	})
}

func (d *DispatchService) executeRemote(sender string, msg *protocol.PeerMessage) error {
	start := time.Now()
	output, err := d.execute(msg)
	elapsed := time.Since(start)
	if err != nil {
		d.metrics.RecordExecution("remote", "failed", elapsed.Seconds())
		d.logger.Warn("Execution failed",
			zap.String("peer", sender),
			zap.String("model", msg.ModelHash.String()),
			zap.Int64("sequence", msg.Sequence),
			zap.Error(err))
		return err
	}
	d.metrics.RecordExecution("remote", "ok", elapsed.Seconds())

	d.reply(sender, &protocol.PeerMessage{
		Sequence:        msg.Sequence,
		Type:            protocol.MessageTypeResult,
		ExecutionMillis: elapsed.Milliseconds(),
		Payload:         output,
	})
	return nil
}

func (d *DispatchService) reply(address string, msg *protocol.PeerMessage) {
	frame, err := protocol.EncodePeerMessage(msg)
	if err != nil {
		d.logger.Error("Failed to encode result frame", zap.Error(err))
		return
	}
	if err := d.sender.Send(address, frame); err != nil {
		d.logger.Warn("Failed to send result",
			zap.String("peer", address),
			zap.Int64("sequence", msg.Sequence),
			zap.Error(err))
		return
	}
	d.metrics.RecordPeerMessage("out", msg.Type.String())
}

// execute runs msg against the cached model. A model that is not resident
// yet fails the execution; its fetch has been started by the cache.
func (d *DispatchService) execute(msg *protocol.PeerMessage) ([]byte, error) {
	data := d.cache.Get(msg.ModelHash)
	if data == nil {
		return nil, simerrors.ModelUnavailable(msg.ModelHash.String())
	}

	session := d.cache.GetRuntime(msg.ModelHash)
	if session == nil {
		loaded, err := d.engine.Load(data)
		if err != nil {
			return nil, fmt.Errorf("failed to load model %s: %w", msg.ModelHash, err)
		}
		active, cached := d.cache.PutRuntime(msg.ModelHash, loaded)
		if active != loaded {
			loaded.Close()
		}
		if !cached {
			defer active.Close()
		}
		session = active
	}

	outputs, err := session.Run(engine.Tensor{
		Name:     msg.InputName,
		DataType: msg.DataType,
		Data:     msg.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run model %s: %w", msg.ModelHash, err)
	}

	return engine.Reduce(outputs, msg.Indices, msg.DataType.Size())
}

func (d *DispatchService) handleResult(source string, msg *protocol.PeerMessage) {
	m, ok := d.scheduler.UpdateMessageController(source, msg)
	if !ok {
		d.logger.Debug("Ignoring result from unknown peer",
			zap.String("peer", source),
			zap.Int64("sequence", msg.Sequence))
		return
	}
	if msg.IsProbeReply() {
		return
	}

	if d.traces != nil {
		err := d.traces.Append(&model.ExecutionTrace{
			Timestamp:     time.Now(),
			Local:         d.scheduler.LocalAddress(),
			Source:        source,
			Sequence:      msg.Sequence,
			ExecutionTime: msg.ExecutionMillis,
			RTT:           m.RTT,
			Total:         m.Total,
			PayloadSize:   len(msg.Payload),
		})
		if err != nil {
			d.logger.Warn("Failed to append trace", zap.Error(err))
		}
	}

	select {
	case d.results <- Result{
		Source:          source,
		Sequence:        msg.Sequence,
		Payload:         msg.Payload,
		ExecutionMillis: msg.ExecutionMillis,
		Measurement:     m,
	}:
	default:
		d.metrics.RecordDroppedResult()
	}
}

// CommitModel makes data available to the fleet: it is cached locally,
// uploaded unless the broker already knows it, and capacity is requested
// for it. Blocks until the broker has answered.
func (d *DispatchService) CommitModel(ctx context.Context, data []byte, resources int) (model.ModelHash, error) {
	if err := d.validator.ValidateModel(data, resources); err != nil {
		return model.ModelHash{}, err
	}

	hash := model.ComputeHash(data)
	d.cache.Put(hash, data)
	defer d.commits.Forget(hash)

	var lastErr error
	for attempt := 0; ; attempt++ {
		present, err := d.checkModel(ctx, hash)
		if err != nil {
			return hash, err
		}
		if present {
			break
		}
		if attempt >= d.config.MaxUploadAttempts {
			if lastErr == nil {
				lastErr = fmt.Errorf("broker reports model absent after %d uploads", attempt)
			}
			return hash, simerrors.UploadFailed(hash.String(), lastErr)
		}

		d.logger.Info("Uploading model",
			zap.String("model", hash.String()),
			zap.Int("bytes", len(data)),
			zap.Int("attempt", attempt+1))
		if err := d.uploader.Upload(ctx, hash, data); err != nil {
			lastErr = err
			d.logger.Warn("Model upload failed", zap.String("model", hash.String()), zap.Error(err))
		}
	}

	d.commits.MarkCommitted(hash)
	d.broker.GetResource(resources)

	d.logger.Info("Model committed",
		zap.String("model", hash.String()),
		zap.Int("resources", resources))
	return hash, nil
}

func (d *DispatchService) checkModel(ctx context.Context, hash model.ModelHash) (bool, error) {
	d.commits.Begin(hash)
	d.broker.CheckModel(hash)

	waitCtx, cancel := context.WithTimeout(ctx, d.config.CheckTimeout)
	defer cancel()

	present, err := d.commits.Await(waitCtx, hash)
	if err != nil {
		return false, simerrors.BrokerTimeout("check_model", err)
	}
	return present, nil
}

// HandlePeerUnreachable evicts a peer the overlay reports as gone.
func (d *DispatchService) HandlePeerUnreachable(address string) {
	if d.scheduler.evict(address, model.EvictionReasonUnreachable) {
		d.logger.Info("Evicted unreachable peer", zap.String("peer", address))
	}
}

// Shutdown returns every peer to the broker and persists the model cache.
func (d *DispatchService) Shutdown() error {
	d.scheduler.ReturnAll()

	if err := d.cache.SaveToDisk(); err != nil {
		return fmt.Errorf("failed to save model cache: %w", err)
	}
	return nil
}
