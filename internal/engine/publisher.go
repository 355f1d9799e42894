/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

// Notifier receives now-playing updates after they are persisted. The
// event bus and the websocket hub implement it.
type Notifier interface {
	NotifyNowPlaying(ctx context.Context, np models.NowPlaying)
}

// Publisher persists now-playing updates off the playback hot loop. The
// slot holds at most one pending update and newer values displace older
// ones, so heavy underrun churn can never publish stale state.
type Publisher struct {
	store     *catalog.Store
	notifiers []Notifier
	logger    zerolog.Logger
	slot      chan models.NowPlaying
	done      chan struct{}
}

// NewPublisher creates a publisher for one stream worker.
func NewPublisher(store *catalog.Store, logger zerolog.Logger, notifiers ...Notifier) *Publisher {
	return &Publisher{
		store:     store,
		notifiers: notifiers,
		logger:    logger.With().Str("component", "publisher").Logger(),
		slot:      make(chan models.NowPlaying, 1),
		done:      make(chan struct{}),
	}
}

// Publish queues an update without blocking. A pending older update is
// dropped in its favour.
func (p *Publisher) Publish(np models.NowPlaying) {
	for {
		select {
		case p.slot <- np:
			return
		default:
		}
		select {
		case <-p.slot:
		default:
		}
	}
}

// Run consumes the slot until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			// Flush a final pending update so Stop leaves the persisted
			// state current.
			select {
			case np := <-p.slot:
				p.publish(context.Background(), np)
			default:
			}
			return
		case np := <-p.slot:
			p.publish(ctx, np)
		}
	}
}

// Done is closed once Run has returned.
func (p *Publisher) Done() <-chan struct{} { return p.done }

func (p *Publisher) publish(ctx context.Context, np models.NowPlaying) {
	if err := p.store.ReplaceNowPlaying(ctx, np); err != nil {
		p.logger.Error().Err(err).Int64("stream", np.StreamID).Msg("persisting now playing failed")
		return
	}
	for _, n := range p.notifiers {
		n.NotifyNowPlaying(ctx, np)
	}
}
