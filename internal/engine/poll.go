package engine

import (
	"context"
	"copybot/internal/models"
	"time"

	"github.com/sirupsen/logrus"
)

// seed loads the master's existing order book as history. It keeps trying until it succeeds or ctx ends.
func (e *Engine) seed(ctx context.Context) error {
	failures := 0
	for {
		if err := e.waitBudget(ctx); err != nil {
			return err
		}
		orders, err := e.pool.FetchMasterOrders(ctx)
		if err == nil {
			added := e.tracker.Seed(orders)
			e.logEntry().WithField("orders", added).Info("Существующие ордера мастера загружены как история.")
			e.emit(Event{Type: EventSeeded, Count: added})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		wait := e.fetchFailed(err, failures)
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := e.waitBudget(ctx); err != nil {
			return
		}

		var wait time.Duration
		orders, err := e.pool.FetchMasterOrders(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			wait = e.fetchFailed(err, failures)
		} else {
			failures = 0
			e.polls.Add(1)
			e.lastPoll.Store(e.clock.Now().UnixNano())
			e.processOrders(ctx, orders)
			wait = e.opts.Schedule.Interval(e.clock.Now(), e.opts.PollInterval)
		}

		if err := e.clock.Sleep(ctx, wait); err != nil {
			return
		}
	}
}

func (e *Engine) processOrders(ctx context.Context, orders []models.OrderRecord) {
	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		if order.OrderID == "" {
			continue
		}
		if !e.tracker.Claim(order.OrderID) {
			continue
		}
		e.dispatch(ctx, order)
	}
}

func (e *Engine) fetchFailed(err error, failures int) time.Duration {
	e.fetchFailures.Add(1)
	wait := e.fetchBackoff(failures)
	e.logEntry().WithError(err).WithFields(logrus.Fields{
		"failures": failures,
		"wait":     wait.String(),
	}).Warn("Не удалось получить книгу ордеров мастера.")
	e.emit(Event{Type: EventFetchFailed, Error: err.Error(), Count: failures})
	return wait
}

// fetchBackoff doubles the poll interval for each consecutive failure, up to MaxFetchBackoff.
func (e *Engine) fetchBackoff(failures int) time.Duration {
	wait := e.opts.Schedule.Interval(e.clock.Now(), e.opts.PollInterval)
	for i := 0; i < failures && wait < e.opts.MaxFetchBackoff; i++ {
		wait *= 2
	}
	if wait > e.opts.MaxFetchBackoff {
		wait = e.opts.MaxFetchBackoff
	}
	return wait
}

// waitBudget holds the next order-book call back when the per-minute call budget is spent.
func (e *Engine) waitBudget(ctx context.Context) error {
	if e.limiter == nil {
		return ctx.Err()
	}
	now := e.clock.Now()
	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return ctx.Err()
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return ctx.Err()
	}
	e.logEntry().WithField("wait", delay.String()).Debug("Лимит запросов исчерпан, ожидание.")
	return e.clock.Sleep(ctx, delay)
}
