package engine

import (
	"context"
	"copybot/internal/broker"
	"copybot/internal/models"
	"copybot/internal/session"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// dispatch runs one claimed master order through the filter and copies it to every available follower.
func (e *Engine) dispatch(ctx context.Context, order models.OrderRecord) {
	e.setState(StateDispatching)
	defer e.setState(StatePolling)

	settings := e.opts.Settings
	e.logOrder(order).Info("Обнаружен новый ордер мастера.")
	e.emit(orderEvent(EventOrderDetected, order))

	if ok, reason := IsEligible(order, settings); !ok {
		e.skip(order, reason)
		return
	}

	followers := e.pool.AvailableFollowers()
	if len(followers) == 0 {
		e.logOrder(order).Warn("Нет доступных последователей, ордер не копируется.")
		e.skip(order, SkipNoFollowers)
		return
	}

	if settings.RequireConfirmation {
		approved, err := e.confirm.Confirm(ctx, order, len(followers))
		if err != nil {
			e.logOrder(order).WithError(err).Warn("Подтверждение не получено.")
		}
		if err != nil || !approved {
			e.skip(order, SkipDeclined)
			return
		}
	}

	qty := FollowerQuantity(order.Quantity, settings)
	e.logOrder(order).WithFields(logrus.Fields{
		"followers":    len(followers),
		"master_qty":   order.Quantity,
		"follower_qty": qty,
		"dry_run":      settings.DryRun,
	}).Info("Копирование ордера последователям.")

	records := e.fanOut(ctx, order, qty, followers)
	e.tracker.RecordCopy(records...)
	for i := range records {
		rec := records[i]
		e.emit(Event{Type: EventCopyResult, Record: &rec, Follower: rec.FollowerName})
	}
}

func (e *Engine) skip(order models.OrderRecord, reason SkipReason) {
	e.logOrder(order).WithField("reason", string(reason)).Info("Ордер пропущен.")
	ev := orderEvent(EventOrderSkipped, order)
	ev.Reason = reason
	e.emit(ev)
}

// fanOut places the order on every follower through a bounded worker pool.
// Results come back in follower order regardless of completion order.
func (e *Engine) fanOut(ctx context.Context, order models.OrderRecord, qty int, followers []session.FollowerStatus) []models.CopyRecord {
	req := models.RequestFromRecord(order, qty)
	results := make([]models.CopyRecord, len(followers))

	workers := e.opts.FanoutWorkers
	if workers > len(followers) {
		workers = len(followers)
	}

	jobs := make(chan int, len(followers))
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for i := range jobs {
			results[i] = e.copyToFollower(ctx, order, req, followers[i])
		}
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}
	for i := range followers {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func (e *Engine) copyToFollower(ctx context.Context, order models.OrderRecord, req models.OrderRequest, f session.FollowerStatus) models.CopyRecord {
	rec := models.CopyRecord{
		Timestamp:       e.clock.Now(),
		MasterOrderID:   order.OrderID,
		Symbol:          order.Symbol,
		TransactionType: order.TransactionType,
		Quantity:        req.Quantity,
		Price:           order.Price,
		FollowerName:    f.Name,
		DryRun:          e.opts.Settings.DryRun,
	}
	entry := e.logOrder(order).WithFields(logrus.Fields{
		"account":  f.Name,
		"quantity": req.Quantity,
	})

	if rec.DryRun {
		id := newDryRunID()
		rec.Success = true
		rec.FollowerOrderID = &id
		entry.WithField("follower_order_id", id).Info("Пробный режим: ордер не отправлен.")
		return rec
	}

	// The placement itself must finish even after shutdown starts; only the waits between retries stop early.
	placeCtx := context.WithoutCancel(ctx)
	var placedID string
	err := e.opts.Retry.Run(ctx, e.clock, isRateLimited, func(attempt int) error {
		id, err := e.pool.PlaceFollowerOrder(placeCtx, f.Index, req)
		if err != nil {
			return err
		}
		placedID = id
		return nil
	}, func(attempt int, wait time.Duration, err error) {
		entry.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("Превышен лимит запросов при постановке ордера, повторяем после паузы.")
	})
	rec.Timestamp = e.clock.Now()
	if err != nil {
		msg := err.Error()
		rec.Error = &msg
		entry.WithError(err).WithField("kind", broker.Classify(err).String()).Error("Ордер последователя не поставлен.")
		return rec
	}

	rec.Success = true
	rec.FollowerOrderID = &placedID
	entry.WithField("follower_order_id", placedID).Info("Ордер последователя поставлен.")
	return rec
}

func isRateLimited(kind broker.Kind) bool {
	return kind == broker.KindRateLimited
}
