package service

import (
	"errors"
	"sync"
	"time"

	"github.com/heikotroetsch/simedge/internal/model"
	"github.com/heikotroetsch/simedge/internal/protocol"
)

type returnedResource struct {
	address string
	rtt     float64
}

// recordingBroker captures every outbound broker call.
type recordingBroker struct {
	mu           sync.Mutex
	returned     []returnedResource
	getResources []int
	checks       []model.ModelHash
	cached       []model.ModelHash
	expired      []model.ModelHash
	onCheck      func(hash model.ModelHash)
}

func (b *recordingBroker) GetResource(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getResources = append(b.getResources, n)
}

func (b *recordingBroker) ReturnResource(address string, rtt float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.returned = append(b.returned, returnedResource{address: address, rtt: rtt})
}

func (b *recordingBroker) CheckModel(hash model.ModelHash) {
	b.mu.Lock()
	b.checks = append(b.checks, hash)
	onCheck := b.onCheck
	b.mu.Unlock()
	if onCheck != nil {
		onCheck(hash)
	}
}

func (b *recordingBroker) ModelCached(hash model.ModelHash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = append(b.cached, hash)
}

func (b *recordingBroker) ModelExpired(hash model.ModelHash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expired = append(b.expired, hash)
}

func (b *recordingBroker) returnedAddresses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.returned))
	for _, r := range b.returned {
		out = append(out, r.address)
	}
	return out
}

func (b *recordingBroker) expiredHashes() []model.ModelHash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ModelHash(nil), b.expired...)
}

type sentFrame struct {
	address string
	msg     *protocol.PeerMessage
}

// recordingSender decodes and keeps every frame handed to the overlay.
type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
	fail   bool
}

func (s *recordingSender) Send(address string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("unreachable")
	}
	msg, err := protocol.DecodePeerMessage(append([]byte(nil), payload...))
	if err != nil {
		return err
	}
	s.frames = append(s.frames, sentFrame{address: address, msg: msg})
	return nil
}

func (s *recordingSender) sent() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.frames...)
}

type staticModels []model.ModelHash

func (m staticModels) CommittedModels() []model.ModelHash { return m }

type fakeDownloads struct {
	mu     sync.Mutex
	active map[model.ModelHash]bool
}

func (d *fakeDownloads) DownloadingModel(hash model.ModelHash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[hash]
}

func (d *fakeDownloads) set(hash model.ModelHash, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		d.active = map[model.ModelHash]bool{}
	}
	d.active[hash] = v
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
