package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/MovieFirebots/Anime-Realm/pkg/alert"
	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/channel"
	"github.com/MovieFirebots/Anime-Realm/pkg/dispatch"
	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
	"github.com/MovieFirebots/Anime-Realm/pkg/metrics"
	"github.com/MovieFirebots/Anime-Realm/pkg/webhook"
)

const (
	defaultAddr            = "0.0.0.0:8080"
	defaultHealthInterval  = 30 * time.Second
	defaultShutdownTimeout = 20 * time.Second
)

// EventHub fans lifecycle events out to observers; *bus.MessageBus implements it.
type EventHub interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
	SubscribeEvents(ctx context.Context, buffer int) (<-chan bus.Event, func())
	Close() error
}

// Store is the part of the persistence adapter the service supervises.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type Deps struct {
	Receiver *webhook.Receiver
	Pool     *dispatch.Pool
	Queue    bus.Queue
	Events   EventHub
	Store    Store
	Notifier *alert.Notifier
	Metrics  *metrics.Metrics
	// Sources pull updates into Queue alongside the webhook receiver.
	Sources []channel.Source
}

type Options struct {
	Addr           string
	AllowedOrigins []string
	// HealthInterval is how often the store is pinged for /readyz.
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
}

type Service struct {
	deps Deps
	opts Options
	log  *slog.Logger

	mu            sync.RWMutex
	startedAt     time.Time
	serving       bool
	storeLastOKAt time.Time
	storeLastErr  string
	eventCounts   map[bus.EventType]uint64
}

type statusResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	StoreLastOKAt string            `json:"store_last_ok_at,omitempty"`
	StoreLastErr  string            `json:"store_last_error,omitempty"`
	QueueDepth    *int              `json:"queue_depth,omitempty"`
	Events        map[string]uint64 `json:"events,omitempty"`
}

func NewService(deps Deps, opts Options, log *slog.Logger) (*Service, error) {
	switch {
	case deps.Receiver == nil:
		return nil, errors.New("webhook receiver is required")
	case deps.Pool == nil:
		return nil, errors.New("dispatch pool is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Events == nil:
		return nil, errors.New("event hub is required")
	case deps.Store == nil:
		return nil, errors.New("store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	return &Service{
		deps:        deps,
		opts:        opts,
		log:         log.With("component", "gateway.service"),
		eventCounts: make(map[bus.EventType]uint64),
	}, nil
}

// Handler builds the HTTP routes: the webhook endpoint, health and readiness,
// Prometheus metrics and the live event stream.
func (s *Service) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s.deps.Receiver.Mount(router)

	router.Group(func(r chi.Router) {
		if len(s.opts.AllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: s.opts.AllowedOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type"},
				MaxAge:         300,
			}))
		}
		r.Get("/healthz", s.handleHealth)
		r.Get("/readyz", s.handleReady)
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
		r.Get("/events", s.handleEvents)
	})

	return router
}

// Run serves until ctx is cancelled, the listener fails or a source fails,
// then shuts down in order: stop intake, drain dispatch workers, close the
// queue, close the store.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkStoreHealth(ctx); err != nil {
		s.log.Warn("Store is not reachable yet, serving anyway", "error", err)
	}

	// Intake stops on Shutdown, after the HTTP server, not on ctx.
	s.deps.Pool.Start(context.WithoutCancel(ctx))

	go s.observe(ctx)
	if s.deps.Notifier != nil {
		go s.deps.Notifier.Run(ctx, s.deps.Events)
	}
	go s.healthLoop(ctx)

	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runErrors := make(chan error, len(s.deps.Sources)+1)
	go func() {
		s.log.Info("Gateway server started", "address", s.opts.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErrors <- fmt.Errorf("start gateway server: %w", err)
		}
	}()

	sourceCtx, stopSources := context.WithCancel(context.WithoutCancel(ctx))
	var sources sync.WaitGroup
	for _, src := range s.deps.Sources {
		sources.Add(1)
		go func() {
			defer sources.Done()
			s.log.Info("Update source started", "source", src.Name())
			if err := src.Run(sourceCtx, s.deps.Queue); err != nil && sourceCtx.Err() == nil {
				runErrors <- fmt.Errorf("run %s source: %w", src.Name(), err)
			}
		}()
	}
	s.setServing(true)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-runErrors:
	}

	return errors.Join(runErr, s.shutdown(server, func() {
		stopSources()
		sources.Wait()
	}))
}

func (s *Service) shutdown(server *http.Server, stopSources func()) error {
	s.setServing(false)
	s.log.Info("Shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	stopSources()
	if err := s.deps.Pool.Shutdown(ctx); err != nil {
		s.log.Warn("Dispatch drain incomplete", "error", err)
	}
	if err := s.deps.Queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	if err := s.deps.Store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.deps.Events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event hub: %w", err))
	}

	return errors.Join(errs...)
}

func (s *Service) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkStoreHealth(ctx); err != nil {
				s.log.Warn("Store health check failed", "error", err)
			}
		}
	}
}

// observe counts lifecycle events for the status payload.
func (s *Service) observe(ctx context.Context) {
	events, unsubscribe := s.deps.Events.SubscribeEvents(ctx, 256)
	defer unsubscribe()

	for event := range events {
		s.mu.Lock()
		s.eventCounts[event.Type]++
		s.mu.Unlock()

		if event.Type == bus.EventRejected {
			s.log.Debug("Inbound event rejected", "chat_id", event.ChatID, "event_id", event.EventID, "error", event.Error)
		}
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := jsoncodec.Encode(w, payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	storeLastOK := ""
	if !s.storeLastOKAt.IsZero() {
		storeLastOK = s.storeLastOKAt.Format(time.RFC3339)
	}

	var events map[string]uint64
	if len(s.eventCounts) > 0 {
		events = make(map[string]uint64, len(s.eventCounts))
		for eventType, count := range s.eventCounts {
			events[string(eventType)] = count
		}
	}

	response := statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		StoreLastOKAt: storeLastOK,
		StoreLastErr:  s.storeLastErr,
		Events:        events,
	}
	if pending, ok := s.deps.Queue.(bus.Pending); ok {
		depth := pending.Pending()
		response.QueueDepth = &depth
	}

	return response
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.serving {
		return false
	}
	if s.storeLastOKAt.IsZero() {
		return false
	}

	return s.storeLastErr == ""
}

func (s *Service) checkStoreHealth(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(pingCtx); err != nil {
		s.mu.Lock()
		s.storeLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("store health check failed: %w", err)
	}

	s.mu.Lock()
	s.storeLastErr = ""
	s.storeLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setServing(serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serving = serving
}
