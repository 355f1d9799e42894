package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_jukebox/internal/audio"
	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/selector"
)

// Manager owns the playback workers, one per stream.
type Manager struct {
	store     *catalog.Store
	files     selector.FileChecker
	provider  DecoderOpener
	backends  []audio.Backend
	notifiers []Notifier
	logger    zerolog.Logger
	metrics   Metrics
	selMetric selector.Metrics

	silenceSkip bool

	mu      sync.Mutex
	workers map[int64]*streamHandle
}

type streamHandle struct {
	worker *Worker
	cancel context.CancelFunc
}

// NewManager creates the engine manager.
func NewManager(store *catalog.Store, files selector.FileChecker, provider DecoderOpener, backends []audio.Backend, silenceSkip bool, logger zerolog.Logger, notifiers ...Notifier) *Manager {
	return &Manager{
		store:       store,
		files:       files,
		provider:    provider,
		backends:    backends,
		notifiers:   notifiers,
		logger:      logger,
		silenceSkip: silenceSkip,
		workers:     make(map[int64]*streamHandle),
	}
}

// SetMetrics wires telemetry counters into workers started afterwards.
func (m *Manager) SetMetrics(engine Metrics, sel selector.Metrics) {
	m.metrics = engine
	m.selMetric = sel
}

// StartStream launches the worker and publisher for a stream. Starting an
// already running stream is a no-op.
func (m *Manager) StartStream(ctx context.Context, streamID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.workers[streamID]; running {
		return nil
	}

	if _, err := m.store.StreamSettings(ctx, streamID); err != nil {
		return fmt.Errorf("start stream %d: %w", streamID, err)
	}

	sel := selector.New(m.store, m.files, streamID, rand.New(rand.NewSource(rand.Int63())), m.logger)
	sel.SetMetrics(m.selMetric)

	publisher := NewPublisher(m.store, m.logger, m.notifiers...)
	worker := NewWorker(streamID, m.store, sel, m.provider, m.backends, publisher, m.silenceSkip, m.logger)
	worker.SetMetrics(m.metrics)

	runCtx, cancel := context.WithCancel(context.Background())
	m.workers[streamID] = &streamHandle{worker: worker, cancel: cancel}

	go publisher.Run(runCtx)
	go worker.Run(runCtx)

	m.logger.Info().Int64("stream", streamID).Msg("stream worker started")
	return nil
}

// Skip forwards a skip request to the stream's worker.
func (m *Manager) Skip(streamID int64) error {
	m.mu.Lock()
	handle, running := m.workers[streamID]
	m.mu.Unlock()
	if !running {
		return fmt.Errorf("stream %d is not running", streamID)
	}
	handle.worker.RequestSkip()
	return nil
}

// StopStream stops one stream's worker and waits for it to exit.
func (m *Manager) StopStream(streamID int64) error {
	m.mu.Lock()
	handle, running := m.workers[streamID]
	delete(m.workers, streamID)
	m.mu.Unlock()
	if !running {
		return fmt.Errorf("stream %d is not running", streamID)
	}

	handle.worker.Stop()
	handle.cancel()
	m.logger.Info().Int64("stream", streamID).Msg("stream worker stopped")
	return nil
}

// Running reports whether a stream has an active worker.
func (m *Manager) Running(streamID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.workers[streamID]
	return running
}

// StopAll stops every worker. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make(map[int64]*streamHandle, len(m.workers))
	for id, h := range m.workers {
		handles[id] = h
	}
	m.workers = make(map[int64]*streamHandle)
	m.mu.Unlock()

	for id, handle := range handles {
		handle.worker.Stop()
		handle.cancel()
		m.logger.Info().Int64("stream", id).Msg("stream worker stopped")
	}
}
