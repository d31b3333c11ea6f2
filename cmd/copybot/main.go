package main

import (
	"bufio"
	"context"
	"copybot/internal/broker/smartapi"
	"copybot/internal/clock"
	"copybot/internal/config"
	"copybot/internal/dashboard"
	"copybot/internal/engine"
	"copybot/internal/logger"
	"copybot/internal/session"
	"copybot/internal/sink"
	"copybot/internal/tracker"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run returns instead of exiting so deferred cleanup (SQLite, signal handler) always happens.
func run() error {
	flags := pflag.NewFlagSet("copybot", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "путь к файлу конфигурации (по умолчанию configs/config.yaml)")
	flags.Bool("dry-run", true, "не отправлять ордера последователям")
	flags.Bool("confirm", false, "спрашивать подтверждение перед каждым копированием")
	flags.String("log-level", "info", "уровень логирования")
	flags.Bool("dashboard", false, "запустить панель мониторинга")
	check := flags.Bool("check", false, "проверить конфигурацию и выйти")
	yes := flags.BoolP("yes", "y", false, "не спрашивать подтверждение реального режима")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
		Console:    cfg.Runtime.Log.Console,
	})

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("Конфигурация некорректна.")
		return err
	}

	if *check {
		out, _ := json.MarshalIndent(cfg.Redacted(), "", "  ")
		fmt.Println(string(out))
		return nil
	}

	stdin := bufio.NewReader(os.Stdin)
	if !cfg.Copy.DryRun && !*yes && !confirmLive(stdin) {
		log.Info("Реальный режим не подтверждён, выходим.")
		return nil
	}

	schedule, err := cfg.Schedule()
	if err != nil {
		log.WithError(err).Error("Некорректное расписание торговой сессии.")
		return err
	}

	sinks := sink.Multi{sink.NewJSONFile(cfg.Runtime.Sink.Dir)}
	if cfg.Runtime.Sink.SQLite != "" {
		db, err := sink.OpenSQLite(cfg.Runtime.Sink.SQLite)
		if err != nil {
			log.WithError(err).Error("Не удалось открыть SQLite.")
			return err
		}
		defer db.Close()
		sinks = append(sinks, db)
	}

	var confirmer engine.Confirmer = engine.AutoConfirm{}
	if cfg.Copy.RequireConfirmation {
		confirmer = engine.NewConsoleConfirmer(stdin, os.Stdout)
	}

	clk := clock.Real{}
	provider := smartapi.New(cfg.Broker.BaseURL, log)
	pool := session.New(provider, cfg.MasterAccount(), cfg.FollowerAccounts(), session.Config{
		InitDelay: cfg.Runtime.SessionInitDelay,
		Retry:     cfg.RetryPolicy(),
	}, clk, log)
	tr := tracker.New(uuid.NewString(), clk.Now())

	eng := engine.New(pool, tr, engine.Options{
		Settings:          cfg.Settings(),
		PollInterval:      cfg.Runtime.PollInterval,
		FanoutWorkers:     cfg.Runtime.FanoutWorkers,
		Retry:             cfg.RetryPolicy(),
		MaxFetchBackoff:   cfg.Runtime.MaxFetchBackoff,
		MaxCallsPerMinute: cfg.Runtime.MaxCallsPerMinute,
		StartupGrace:      cfg.Runtime.StartupGrace,
		Schedule:          schedule,
		Clock:             clk,
		Confirmer:         confirmer,
		Sink:              sinks,
	}, log)

	log.WithFields(logrus.Fields{
		"run_id":    tr.RunID(),
		"dry_run":   cfg.Copy.DryRun,
		"followers": len(cfg.Followers),
		"config":    cfg.File,
	}).Info("Бот запущен.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dashDone := make(chan struct{})
	if cfg.Dashboard.Enabled {
		hub := dashboard.NewHub(log)
		eng.Subscribe(hub)
		srv := dashboard.New(eng, tr, hub, log, cfg.Dashboard.RequestsPerSecond)
		go func() {
			defer close(dashDone)
			if err := srv.Run(ctx, cfg.Dashboard.Addr); err != nil {
				log.WithError(err).Error("Панель мониторинга завершилась с ошибкой.")
			}
		}()
	} else {
		close(dashDone)
	}

	runErr := eng.Start(ctx)
	stop()

	select {
	case <-dashDone:
	case <-time.After(10 * time.Second):
	}

	summary := tr.Summary()
	fmt.Printf("Итого: %d, успешно: %d, ошибок: %d, успешность: %.1f%%\n",
		summary.Total, summary.Successful, summary.Failed, summary.SuccessRate)
	if runErr != nil {
		log.WithError(runErr).Error("Движок завершился с ошибкой.")
		return runErr
	}
	log.Info("Бот остановлен.")
	return nil
}

// confirmLive asks the operator to type YES before real orders are placed.
func confirmLive(in *bufio.Reader) bool {
	fmt.Print("ВНИМАНИЕ: реальный режим, ордера будут отправлены последователям. Введите YES для продолжения: ")
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.TrimSpace(line) == "YES"
}
