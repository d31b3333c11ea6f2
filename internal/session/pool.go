package session

import (
	"context"
	"copybot/internal/broker"
	"copybot/internal/clock"
	"copybot/internal/logger"
	"copybot/internal/models"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrFatalInit           = errors.New("мастер-аккаунт не инициализирован")
	ErrFollowerUnavailable = errors.New("аккаунт последователя недоступен")
)

const DefaultInitDelay = 5 * time.Second

type Config struct {
	InitDelay time.Duration
	Retry     RetryPolicy
}

type FollowerStatus struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type follower struct {
	account   models.AccountDescriptor
	session   broker.Session
	available bool
	reason    string
}

// Pool owns the master session and the ordered follower sessions of one run.
type Pool struct {
	provider broker.Provider
	cfg      Config
	clock    clock.Clock
	log      *logger.Logger

	master        models.AccountDescriptor
	masterSession broker.Session

	mu        sync.RWMutex
	followers []*follower
}

func New(provider broker.Provider, master models.AccountDescriptor, followers []models.AccountDescriptor, cfg Config, clk clock.Clock, log *logger.Logger) *Pool {
	if clk == nil {
		clk = clock.Real{}
	}
	p := &Pool{
		provider: provider,
		cfg:      cfg,
		clock:    clk,
		log:      log,
		master:   master,
	}
	for _, acc := range followers {
		p.followers = append(p.followers, &follower{account: acc, reason: "не инициализирован"})
	}
	return p
}

// Initialize opens the master first and then every follower in order, pausing InitDelay between
// consecutive logins. Only a master failure is returned as ErrFatalInit.
func (p *Pool) Initialize(ctx context.Context) error {
	p.logEntry().WithField("followers", len(p.followers)).Info("Инициализация сессий.")

	s, err := p.open(ctx, p.master)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.logEntry().WithError(err).WithField("account", p.master.Name).Error("Мастер-аккаунт не инициализирован.")
		return fmt.Errorf("%w: %w", ErrFatalInit, err)
	}
	p.masterSession = s

	ready := 0
	for i, f := range p.followers {
		if err := p.clock.Sleep(ctx, p.cfg.InitDelay); err != nil {
			return err
		}

		s, err := p.open(ctx, f.account)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			p.mu.Lock()
			f.available = false
			f.reason = err.Error()
			p.mu.Unlock()
			p.logEntry().WithError(err).WithFields(logrus.Fields{
				"account": f.account.Name,
				"index":   i,
			}).Warn("Последователь пропущен из-за ошибки инициализации.")
			continue
		}

		p.mu.Lock()
		f.session = s
		f.available = true
		f.reason = ""
		p.mu.Unlock()
		ready++
	}

	p.logEntry().WithFields(logrus.Fields{
		"ready": ready,
		"total": len(p.followers),
	}).Info("Инициализация завершена.")

	if ready == 0 && len(p.followers) > 0 {
		p.logEntry().Warn("Ни один последователь не инициализирован, сделки копироваться не будут.")
	}
	return nil
}

func (p *Pool) open(ctx context.Context, acc models.AccountDescriptor) (broker.Session, error) {
	var s broker.Session
	err := p.cfg.Retry.Run(ctx, p.clock, nil, func(attempt int) error {
		p.logEntry().WithFields(logrus.Fields{
			"account": acc.Name,
			"attempt": attempt,
			"max":     p.cfg.Retry.MaxAttempts,
		}).Info("Вход в аккаунт.")
		opened, err := p.provider.Open(ctx, acc)
		if err != nil {
			return err
		}
		s = opened
		return nil
	}, func(attempt int, wait time.Duration, err error) {
		p.logEntry().WithError(err).WithFields(logrus.Fields{
			"account": acc.Name,
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("Ошибка входа, повторяем после паузы.")
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Pool) MasterName() string {
	return p.master.Name
}

func (p *Pool) FetchMasterOrders(ctx context.Context) ([]models.OrderRecord, error) {
	if p.masterSession == nil {
		return nil, ErrFatalInit
	}
	return p.masterSession.ListOrders(ctx)
}

func (p *Pool) PlaceFollowerOrder(ctx context.Context, idx int, req models.OrderRequest) (string, error) {
	p.mu.RLock()
	if idx < 0 || idx >= len(p.followers) {
		p.mu.RUnlock()
		return "", fmt.Errorf("%w: индекс %d вне диапазона", ErrFollowerUnavailable, idx)
	}
	f := p.followers[idx]
	s, available, name := f.session, f.available, f.account.Name
	p.mu.RUnlock()

	if !available || s == nil {
		return "", fmt.Errorf("%w: %s", ErrFollowerUnavailable, name)
	}
	return s.PlaceOrder(ctx, req)
}

func (p *Pool) Followers() []FollowerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]FollowerStatus, 0, len(p.followers))
	for i, f := range p.followers {
		out = append(out, FollowerStatus{
			Index:     i,
			Name:      f.account.Name,
			Available: f.available,
			Reason:    f.reason,
		})
	}
	return out
}

func (p *Pool) AvailableFollowers() []FollowerStatus {
	all := p.Followers()
	out := all[:0]
	for _, f := range all {
		if f.Available {
			out = append(out, f)
		}
	}
	return out
}

func (p *Pool) logEntry() *logrus.Entry {
	return p.log.WithComponent("session_pool")
}
