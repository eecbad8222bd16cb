// orderd drives one order state machine per created order and exposes
// the machine over HTTP: one route per lifecycle event, one for the
// current state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/librescoot/taskfsm"
)

var (
	ordersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderd_orders_created_total",
		Help: "Orders created.",
	})
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderd_transitions_total",
		Help: "State transitions applied, by edge.",
	}, []string{"from", "to"})
	unexpectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderd_unexpected_events_total",
		Help: "Events dropped because no handler was bound in the current state.",
	})
)

// Order is the per-instance context. The machine owns it exclusively
// while running.
type Order struct {
	ID          string   `json:"id"`
	Items       []string `json:"items"`
	TotalCents  int64    `json:"total_cents"`
	Transitions int      `json:"transitions"`
}

func step(target taskfsm.StateID, terminal bool) taskfsm.HandlerFunc[Order] {
	return func(ctx context.Context, o *Order, ev taskfsm.Event) (taskfsm.Transition, error) {
		o.Transitions++
		if terminal {
			return taskfsm.End(target), nil
		}
		return taskfsm.To(target), nil
	}
}

// newOrderSpec declares the order lifecycle. Error is accepted from
// every non-terminal state by a single multi-state handler, and orders
// sitting in Created beyond staleAfter expire on their own.
func newOrderSpec(staleAfter time.Duration, inboxSize int) (*taskfsm.Spec[Order], error) {
	return taskfsm.NewModel[Order]("Order").
		Initial("Created").
		ChannelSize(inboxSize).
		Handle("validate", step("Validated", false), taskfsm.On("Validate", "Created"), taskfsm.Goto("Validated")).
		Handle("charge", step("Charged", false), taskfsm.On("Charge", "Validated"), taskfsm.Goto("Charged")).
		Handle("ship", step("Shipped", true), taskfsm.On("Ship", "Charged"), taskfsm.Goto("Shipped")).
		Handle("fail", step("Failed", true), taskfsm.On("Error", "Created", "Validated", "Charged"), taskfsm.Goto("Failed")).
		Handle("expire", step("Expired", true), taskfsm.AsTimeout(), taskfsm.Goto("Expired")).
		Timeout("Created", staleAfter, "expire").
		Validate()
}

type orderEntry struct {
	handle *taskfsm.Handle
	task   *taskfsm.Task[Order]
}

type registry struct {
	mu     sync.Mutex
	orders map[string]*orderEntry
}

func newRegistry() *registry {
	return &registry{orders: make(map[string]*orderEntry)}
}

func (r *registry) put(id string, e *orderEntry) {
	r.mu.Lock()
	r.orders[id] = e
	r.mu.Unlock()
}

func (r *registry) get(id string) (*orderEntry, bool) {
	r.mu.Lock()
	e, ok := r.orders[id]
	r.mu.Unlock()
	return e, ok
}

func (r *registry) remove(id string) (*orderEntry, bool) {
	r.mu.Lock()
	e, ok := r.orders[id]
	delete(r.orders, id)
	r.mu.Unlock()
	return e, ok
}

func (r *registry) all() []*orderEntry {
	r.mu.Lock()
	out := make([]*orderEntry, 0, len(r.orders))
	for _, e := range r.orders {
		out = append(out, e)
	}
	r.mu.Unlock()
	return out
}

type server struct {
	cfg    config
	logger zerolog.Logger
	spec   *taskfsm.Spec[Order]
	reg    *registry
}

type createOrderRequest struct {
	Items      []string `json:"items"`
	TotalCents int64    `json:"total_cents"`
}

type orderStatus struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (s *server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := uuid.NewString()
	logger := s.logger.With().Str("order_id", id).Logger()
	handle, task := s.spec.Spawn(context.Background(), Order{
		ID:         id,
		Items:      req.Items,
		TotalCents: req.TotalCents,
	},
		taskfsm.WithLogger(logger),
		taskfsm.WithStateChangeFunc(func(from, to taskfsm.StateID) {
			transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		}),
		taskfsm.WithUnexpectedEventFunc(func(state taskfsm.StateID, ev taskfsm.Event) {
			unexpectedTotal.Inc()
			logger.Warn().
				Str("event", "order.unexpected_event").
				Str("state", string(state)).
				Str("order_event", string(ev.ID)).
				Msg("event dropped")
		}),
	)

	s.reg.put(id, &orderEntry{handle: handle, task: task})
	ordersCreated.Inc()
	logger.Info().Str("event", "order.created").Msg("order created")

	writeJSON(w, http.StatusCreated, orderStatus{ID: id, State: string(handle.CurrentState())})
}

func (s *server) sendEvent(ev taskfsm.EventID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, ok := s.reg.get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		if err := entry.handle.Send(r.Context(), taskfsm.Event{ID: ev}); err != nil {
			if errors.Is(err, taskfsm.ErrClosed) {
				writeError(w, http.StatusConflict, "order no longer accepts events")
				return
			}
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, orderStatus{ID: id, State: string(entry.handle.CurrentState())})
	}
}

func (s *server) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.reg.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, orderStatus{ID: id, State: string(entry.handle.CurrentState())})
}

func (s *server) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.reg.remove(id)
	if !ok {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	entry.handle.ShutdownGraceful()
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/orders", s.createOrder)
	r.Get("/orders/{id}", s.getOrder)
	r.Delete("/orders/{id}", s.deleteOrder)
	r.Post("/orders/{id}/validate", s.sendEvent("Validate"))
	r.Post("/orders/{id}/charge", s.sendEvent("Charge"))
	r.Post("/orders/{id}/ship", s.sendEvent("Ship"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// drainOrders gracefully shuts down every live machine and waits for
// the drains to finish, bounded by the shutdown grace period.
func (s *server) drainOrders(ctx context.Context) {
	for _, entry := range s.reg.all() {
		entry.handle.ShutdownGraceful()
	}
	for _, entry := range s.reg.all() {
		if _, err := entry.task.Wait(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn().Err(err).Str("event", "order.drain_failed").Msg("order did not drain cleanly")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "orderd").
		Logger()

	spec, err := newOrderSpec(cfg.StaleAfter, cfg.InboxSize)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "fsm.invalid").Msg("order machine failed validation")
	}

	s := &server{cfg: cfg, logger: logger, spec: spec, reg: newRegistry()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("event", "server.listen").Str("addr", cfg.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		s.drainOrders(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Str("event", "server.failed").Msg("server exited with error")
	}
	logger.Info().Str("event", "server.stopped").Msg("shutdown complete")
}
