/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/api"
	"github.com/friendsincode/skald_jukebox/internal/audio"
	"github.com/friendsincode/skald_jukebox/internal/audit"
	"github.com/friendsincode/skald_jukebox/internal/auth"
	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/config"
	"github.com/friendsincode/skald_jukebox/internal/db"
	"github.com/friendsincode/skald_jukebox/internal/engine"
	"github.com/friendsincode/skald_jukebox/internal/eventbus"
	"github.com/friendsincode/skald_jukebox/internal/events"
	"github.com/friendsincode/skald_jukebox/internal/integrity"
	"github.com/friendsincode/skald_jukebox/internal/logbuffer"
	"github.com/friendsincode/skald_jukebox/internal/media"
	"github.com/friendsincode/skald_jukebox/internal/models"
	"github.com/friendsincode/skald_jukebox/internal/selector"
	"github.com/friendsincode/skald_jukebox/internal/telemetry"
	"github.com/friendsincode/skald_jukebox/internal/version"
	"github.com/friendsincode/skald_jukebox/internal/webhooks"
)

// Server bundles HTTP, playback workers and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	logBuf     *logbuffer.Buffer
	router     chi.Router
	httpServer *http.Server
	metricsSrv *http.Server
	closers    []func() error

	db      *gorm.DB
	store   *catalog.Store
	storage media.Storage
	manager *engine.Manager
	bus     eventbus.EventBus
	api     *api.API
	tracer  *telemetry.TracerProvider

	updates  *version.Checker
	webhooks *webhooks.Service

	bgCancel context.CancelFunc
	bgDone   chan struct{}
}

// New wires the full service.
func New(cfg *config.Config, logger zerolog.Logger, logBuf *logbuffer.Buffer) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("skald-jukebox-api"))
	router.Use(telemetry.MetricsMiddleware)
	// The state long poll and websocket outlive any sane request timeout,
	// so the timeout middleware skips them.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" || isLongPollPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		logBuf: logBuf,
		router: router,
		bgDone: make(chan struct{}),
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Long polls and websockets manage their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func isLongPollPath(path string) bool {
	return len(path) > 6 && path[len(path)-6:] == "/state"
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")

		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	tracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "skald-jukebox",
		ServiceVersion: version.Version,
		OTLPEndpoint:   s.cfg.OTLPEndpoint,
		Enabled:        s.cfg.TracingEnabled,
		SampleRate:     s.cfg.TracingSampleRate,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracer = tracer

	database, err := db.Connect(s.cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })
	if err := db.RegisterCallbacks(database); err != nil {
		return fmt.Errorf("register db callbacks: %w", err)
	}

	s.store = catalog.New(database, s.logger)

	s.storage, err = s.buildStorage()
	if err != nil {
		return err
	}
	if err := s.storage.CheckAccess(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("media storage not accessible yet")
	}

	s.bus, err = s.buildBus()
	if err != nil {
		return err
	}

	blacklists, err := s.cfg.LoadBlacklists()
	if err != nil {
		return fmt.Errorf("load blacklists: %w", err)
	}

	provider := audio.NewProvider(s.storage, blacklists.Files, s.logger)
	backends, err := s.buildBackends(blacklists.Devices)
	if err != nil {
		return err
	}

	s.manager = engine.NewManager(s.store, s.storage, provider, backends, s.cfg.SilenceSkip, s.logger, &busNotifier{bus: s.bus})
	s.manager.SetMetrics(engine.Metrics{
		TracksStarted:  telemetry.TracksStarted.Inc,
		Underruns:      telemetry.BufferUnderruns.Inc,
		SilenceSkipped: func(d time.Duration) { telemetry.SilenceSkippedSeconds.Add(d.Seconds()) },
		TrackErrors:    telemetry.PlaybackErrors.Inc,
	}, selector.Metrics{
		Refills:     telemetry.PlaylistRefills.Inc,
		PurgedFiles: telemetry.PurgedTracks.Inc,
	})

	s.webhooks = webhooks.NewService(database, s.bus, s.logger)
	checker := integrity.NewService(s.store, s.storage, s.logger)
	auditor := audit.NewService(database, s.logger)

	users := auth.NewUsers(database)
	s.api = api.New(s.store, s.manager, s.bus, users, s.webhooks, checker, s.logBuf, auditor, []byte(s.cfg.JWTSigningKey), api.Limits{
		MaxQueueDepth: s.cfg.MaxQueueDepth,
		TitlesPerUser: s.cfg.TitlesPerUser,
	}, s.cfg.LongPollWindow, s.logger)

	return nil
}

func (s *Server) buildStorage() (media.Storage, error) {
	if s.cfg.S3Bucket != "" {
		store, err := media.NewS3Storage(context.Background(), media.S3Config{
			AccessKeyID:     s.cfg.S3AccessKeyID,
			SecretAccessKey: s.cfg.S3SecretAccessKey,
			Region:          s.cfg.S3Region,
			Bucket:          s.cfg.S3Bucket,
			Endpoint:        s.cfg.S3Endpoint,
			UsePathStyle:    s.cfg.S3UsePathStyle,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("init s3 storage: %w", err)
		}
		return store, nil
	}
	return media.NewFilesystemStorage(s.cfg.MediaRoot, s.logger), nil
}

func (s *Server) buildBus() (eventbus.EventBus, error) {
	nodeID := s.cfg.InstanceID
	if nodeID == "" {
		nodeID = fmt.Sprintf("skald-%d", time.Now().UnixNano())
	}

	switch s.cfg.BusBackend {
	case config.BusRedis:
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.RedisAddr
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		bus, err := eventbus.NewRedisBus(redisCfg, nodeID, s.logger)
		if err != nil {
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
		s.DeferClose(bus.Close)
		return bus, nil
	case config.BusNATS:
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.Token = s.cfg.NATSToken
		bus, err := eventbus.NewNATSBus(natsCfg, nodeID, s.logger)
		if err != nil {
			return nil, fmt.Errorf("init nats bus: %w", err)
		}
		s.DeferClose(bus.Close)
		return bus, nil
	default:
		return events.NewBus(), nil
	}
}

// buildBackends assembles the probe order from configuration, skipping
// blacklisted backend names.
func (s *Server) buildBackends(blacklist []string) ([]audio.Backend, error) {
	blocked := make(map[string]struct{}, len(blacklist))
	for _, name := range blacklist {
		blocked[name] = struct{}{}
	}

	var backends []audio.Backend
	for _, name := range s.cfg.AudioBackends {
		if _, skip := blocked[name]; skip {
			s.logger.Info().Str("backend", name).Msg("audio backend blacklisted")
			continue
		}
		switch name {
		case "malgo":
			backend, err := audio.NewMalgoBackend(s.logger)
			if err != nil {
				s.logger.Warn().Err(err).Msg("miniaudio backend unavailable")
				continue
			}
			backends = append(backends, backend)
			s.DeferClose(backend.Close)
		case "null":
			backends = append(backends, audio.NewNullBackend())
		default:
			return nil, fmt.Errorf("unknown audio backend %q", name)
		}
	}
	if len(backends) == 0 {
		s.logger.Warn().Msg("no audio backends available, playback will fail until one opens")
	}
	return backends, nil
}

// busNotifier forwards persisted now-playing updates onto the event bus.
type busNotifier struct {
	bus eventbus.EventBus
}

func (n *busNotifier) NotifyNowPlaying(_ context.Context, np models.NowPlaying) {
	n.bus.Publish(events.EventNowPlaying, events.Payload{
		"stream_id": np.StreamID,
		"track_id":  np.TrackID,
		"title":     np.Title,
		"artist":    np.ArtistName,
		"album":     np.AlbumName,
		"started":   np.StartedAt,
	})
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.api.Routes(s.router)
}

// Start launches the playback workers and both HTTP listeners. Blocks
// until the API server stops.
func (s *Server) Start(ctx context.Context) error {
	for _, streamID := range s.cfg.Streams {
		if err := s.manager.StartStream(ctx, streamID); err != nil {
			return err
		}
	}

	s.metricsSrv = &http.Server{
		Addr:              s.cfg.MetricsBind,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops workers and listeners in dependency order.
func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.StopAll()
	s.stopBackgroundWorkers()

	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}
	err := s.httpServer.Shutdown(ctx)

	if s.tracer != nil {
		if terr := s.tracer.Shutdown(ctx); terr != nil {
			s.logger.Error().Err(terr).Msg("tracer shutdown failed")
		}
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if cerr := s.closers[i](); cerr != nil {
			s.logger.Error().Err(cerr).Msg("closing dependency failed")
		}
	}
	return err
}

// DeferClose registers a cleanup run during Shutdown, last added first.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.updates = version.NewChecker(s.logger)
	s.updates.Start(ctx)

	go s.webhooks.Start(ctx)

	go func() {
		defer close(s.bgDone)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel != nil {
		s.bgCancel()
		<-s.bgDone
	}
}
