package service

import (
	"context"

	"github.com/heikotroetsch/simedge/internal/model"
	"github.com/heikotroetsch/simedge/internal/util/workerpool"
)

// Broker is the outbound half of the broker session. Calls enqueue and never block.
type Broker interface {
	GetResource(n int)
	ReturnResource(address string, rtt float64)
	CheckModel(hash model.ModelHash)
	ModelCached(hash model.ModelHash)
	ModelExpired(hash model.ModelHash)
}

// MessageSender delivers an encoded peer frame to an overlay address.
type MessageSender interface {
	Send(address string, payload []byte) error
}

// CommittedModels lists the models this node has committed to the broker.
type CommittedModels interface {
	CommittedModels() []model.ModelHash
}

// DownloadTracker reports whether a model fetch is in progress.
type DownloadTracker interface {
	DownloadingModel(hash model.ModelHash) bool
}

// Downloader fetches model bytes from the shared repository.
type Downloader interface {
	Download(ctx context.Context, hash model.ModelHash) ([]byte, error)
}

// Uploader publishes model bytes to the shared repository.
type Uploader interface {
	Upload(ctx context.Context, hash model.ModelHash, data []byte) error
}

// ModelStore is the on-disk tier of the model cache.
type ModelStore interface {
	Read(hash model.ModelHash) ([]byte, error)
	Write(hash model.ModelHash, data []byte) error
	Exists(hash model.ModelHash) bool
	WriteManifest(hashes []model.ModelHash) error
	ReadManifest() ([]model.ModelHash, error)
	RemoveManifest() error
}

// TaskSubmitter runs work without blocking the caller.
type TaskSubmitter interface {
	TrySubmit(task workerpool.Task) bool
}
