package engine

import (
	"context"
	"copybot/internal/clock"
	"copybot/internal/logger"
	"copybot/internal/models"
	"copybot/internal/session"
	"copybot/internal/sink"
	"copybot/internal/tracker"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type State int32

const (
	StateInitializing State = iota
	StateSeeding
	StatePolling
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSeeding:
		return "seeding"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Pool is the part of the session pool the engine drives.
type Pool interface {
	Initialize(ctx context.Context) error
	MasterName() string
	FetchMasterOrders(ctx context.Context) ([]models.OrderRecord, error)
	PlaceFollowerOrder(ctx context.Context, idx int, req models.OrderRequest) (string, error)
	Followers() []session.FollowerStatus
	AvailableFollowers() []session.FollowerStatus
}

const (
	DefaultPollInterval      = 3 * time.Second
	DefaultFanoutWorkers     = 3
	DefaultMaxFetchBackoff   = 5 * time.Minute
	DefaultMaxCallsPerMinute = 20
)

type Options struct {
	Settings          models.CopySettings
	PollInterval      time.Duration
	FanoutWorkers     int
	Retry             session.RetryPolicy
	MaxFetchBackoff   time.Duration
	MaxCallsPerMinute int
	StartupGrace      time.Duration
	Schedule          *Schedule
	Clock             clock.Clock
	Confirmer         Confirmer
	Sink              sink.Sink
}

func DefaultOptions() Options {
	return Options{
		Settings:          models.DefaultCopySettings(),
		PollInterval:      DefaultPollInterval,
		FanoutWorkers:     DefaultFanoutWorkers,
		Retry:             session.DefaultRetryPolicy(),
		MaxFetchBackoff:   DefaultMaxFetchBackoff,
		MaxCallsPerMinute: DefaultMaxCallsPerMinute,
	}
}

type Engine struct {
	pool    Pool
	tracker *tracker.Tracker
	opts    Options
	clock   clock.Clock
	confirm Confirmer
	limiter *rate.Limiter
	log     *logger.Logger

	state         atomic.Int32
	polls         atomic.Int64
	fetchFailures atomic.Int64
	lastPoll      atomic.Int64

	mu        sync.RWMutex
	listeners []Listener
}

func New(pool Pool, tr *tracker.Tracker, opts Options, log *logger.Logger) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FanoutWorkers <= 0 {
		opts.FanoutWorkers = DefaultFanoutWorkers
	}
	if opts.MaxFetchBackoff <= 0 {
		opts.MaxFetchBackoff = DefaultMaxFetchBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Confirmer == nil {
		opts.Confirmer = AutoConfirm{}
	}

	e := &Engine{
		pool:    pool,
		tracker: tr,
		opts:    opts,
		clock:   opts.Clock,
		confirm: opts.Confirmer,
		log:     log,
	}
	if opts.MaxCallsPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.MaxCallsPerMinute)), 1)
	}
	e.state.Store(int32(StateInitializing))
	return e
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) == s {
		return
	}
	e.emit(Event{Type: EventState, State: s.String()})
}

// Start runs the engine until ctx is cancelled. Only a failed master login ends it with an error.
func (e *Engine) Start(ctx context.Context) error {
	settings := e.opts.Settings
	e.logEntry().WithFields(logrus.Fields{
		"run_id":        e.tracker.RunID(),
		"dry_run":       settings.DryRun,
		"poll_interval": e.opts.PollInterval.String(),
		"workers":       e.opts.FanoutWorkers,
	}).Info("Копирование сделок запущено.")
	e.emit(Event{Type: EventStarted})

	if err := e.pool.Initialize(ctx); err != nil {
		if ctx.Err() != nil {
			e.stop(ctx, nil)
			return nil
		}
		e.logEntry().WithError(err).Error("Инициализация сессий не удалась, остановка.")
		e.stop(ctx, err)
		return err
	}
	e.reportUnavailable()

	e.setState(StateSeeding)
	if err := e.seed(ctx); err != nil {
		e.stop(ctx, nil)
		return nil
	}

	if e.opts.StartupGrace > 0 {
		e.logEntry().WithField("grace", e.opts.StartupGrace.String()).Info("Пауза перед началом опроса.")
		if err := e.clock.Sleep(ctx, e.opts.StartupGrace); err != nil {
			e.stop(ctx, nil)
			return nil
		}
	}

	e.setState(StatePolling)
	e.pollLoop(ctx)
	e.stop(ctx, nil)
	return nil
}

func (e *Engine) reportUnavailable() {
	for _, f := range e.pool.Followers() {
		if f.Available {
			continue
		}
		e.emit(Event{Type: EventFollowerUnavailable, Follower: f.Name, Error: f.Reason})
	}
}

func (e *Engine) stop(ctx context.Context, cause error) {
	e.setState(StateStopped)

	summary := e.tracker.Summary()
	if e.opts.Sink != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.tracker.Flush(flushCtx, e.opts.Sink); err != nil {
			e.logEntry().WithError(err).Error("Не удалось сохранить журнал копирования.")
		}
	}

	e.logEntry().WithFields(logrus.Fields{
		"total":        summary.Total,
		"successful":   summary.Successful,
		"failed":       summary.Failed,
		"success_rate": summary.SuccessRate,
	}).Info("Копирование сделок остановлено.")
	ev := Event{Type: EventStopped, Summary: &summary}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.emit(ev)
}

type Status struct {
	RunID         string                   `json:"run_id"`
	State         string                   `json:"state"`
	Master        string                   `json:"master"`
	DryRun        bool                     `json:"dry_run"`
	StartedAt     time.Time                `json:"started_at"`
	LastPollAt    *time.Time               `json:"last_poll_at,omitempty"`
	Polls         int64                    `json:"polls"`
	FetchFailures int64                    `json:"fetch_failures"`
	KnownOrders   int                      `json:"known_orders"`
	Followers     []session.FollowerStatus `json:"followers"`
	Summary       models.Summary           `json:"summary"`
}

// Status is safe to call from other goroutines while the engine runs.
func (e *Engine) Status() Status {
	st := Status{
		RunID:         e.tracker.RunID(),
		State:         e.State().String(),
		Master:        e.pool.MasterName(),
		DryRun:        e.opts.Settings.DryRun,
		StartedAt:     e.tracker.StartedAt(),
		Polls:         e.polls.Load(),
		FetchFailures: e.fetchFailures.Load(),
		KnownOrders:   e.tracker.KnownCount(),
		Followers:     e.pool.Followers(),
		Summary:       e.tracker.Summary(),
	}
	if ns := e.lastPoll.Load(); ns != 0 {
		t := time.Unix(0, ns)
		st.LastPollAt = &t
	}
	return st
}
