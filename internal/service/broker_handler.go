package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/protocol"
	"github.com/heikotroetsch/simedge/internal/util/workerpool"
	"github.com/heikotroetsch/simedge/internal/validation"
)

// BrokerHandler applies inbound broker lines to the scheduler, the cache and
// pending commits.
type BrokerHandler struct {
	scheduler *SchedulerService
	cache     *ModelCacheService
	commits   *CommitTracker
	broker    Broker
	tasks     TaskSubmitter
	onBye     func()
	logger    *zap.Logger
}

// NewBrokerHandler creates a new broker handler. onBye runs when the broker
// ends the session and may be nil.
func NewBrokerHandler(
	scheduler *SchedulerService,
	cache *ModelCacheService,
	commits *CommitTracker,
	broker Broker,
	tasks TaskSubmitter,
	onBye func(),
	logger *zap.Logger,
) *BrokerHandler {
	return &BrokerHandler{
		scheduler: scheduler,
		cache:     cache,
		commits:   commits,
		broker:    broker,
		tasks:     tasks,
		onBye:     onBye,
		logger:    logger,
	}
}

// HandleBrokerMessage dispatches one inbound line. Lines that cannot be
// parsed are logged and dropped.
func (h *BrokerHandler) HandleBrokerMessage(msg protocol.BrokerMessage) {
	switch msg.Code {
	case protocol.BrokerGetResource:
		address, latency, err := protocol.ParseResourceGrant(msg)
		if err == nil {
			err = validation.ValidatePeerAddress(address)
		}
		if err != nil {
			h.dropped(msg, err)
			return
		}
		h.scheduler.AddResource(address, latency)

	case protocol.BrokerReturnResource:
		address, err := protocol.ParseResourceReturn(msg)
		if err != nil {
			h.dropped(msg, err)
			return
		}
		if !h.scheduler.RemoveResource(address) {
			h.logger.Debug("Broker reclaimed unknown peer", zap.String("peer", address))
		}

	case protocol.BrokerCheckModel:
		hash, present, err := protocol.ParseCheckModel(msg)
		if err != nil {
			h.dropped(msg, err)
			return
		}
		if !h.commits.Resolve(hash, present) {
			h.logger.Debug("Dropping unsolicited model check answer", zap.String("model", hash.String()))
		}

	case protocol.BrokerLoadModel:
		hash, err := protocol.ParseLoadModel(msg)
		if err != nil {
			h.dropped(msg, err)
			return
		}
		task := workerpool.Task{
			ID:   uuid.NewString(),
			Name: "load_model",
			Fn: func(ctx context.Context) error {
				if err := h.cache.Download(ctx, hash); err != nil {
					return err
				}
				h.broker.ModelCached(hash)
				return nil
			},
		}
		if !h.tasks.TrySubmit(task) {
			h.logger.Warn("Dropping LOAD_MODEL, worker pool is full", zap.String("model", hash.String()))
		}

	case protocol.BrokerBye:
		h.logger.Info("Broker ended the session")
		if h.onBye != nil {
			h.onBye()
		}

	case protocol.BrokerHello:
		h.logger.Info("Broker greeted node", zap.Strings("fields", msg.Fields))

	case protocol.BrokerFailure:
		h.logger.Warn("Broker reported failure", zap.Strings("fields", msg.Fields))

	default:
		h.logger.Debug("Ignoring broker message", zap.Stringer("code", msg.Code))
	}
}

func (h *BrokerHandler) dropped(msg protocol.BrokerMessage, err error) {
	h.logger.Warn("Dropping malformed broker message",
		zap.Stringer("code", msg.Code),
		zap.Strings("fields", msg.Fields),
		zap.Error(err))
}
