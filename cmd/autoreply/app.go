package main

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autoreply/internal/config"
	"autoreply/internal/db"
	"autoreply/internal/events"
	"autoreply/internal/matcher"
	"autoreply/internal/responder"
	"autoreply/internal/rules"
	"autoreply/internal/scheduler"
	"autoreply/internal/store"
)

// app holds the wired components shared by the subcommands.
type app struct {
	db        *sql.DB
	store     *store.Store
	rules     *rules.Service
	hub       *events.Hub
	responder *responder.Service
	scheduler *scheduler.Scheduler
}

func newApp(cfg config.Config, log *zap.Logger) (*app, error) {
	policy, err := matcher.ParsePolicy(cfg.SelectionPolicy)
	if err != nil {
		return nil, err
	}
	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(database)
	svc := rules.New(st, matcher.New(matcher.NewSelector(policy, cfg.SelectionSeed)), rules.Options{
		DefaultPostEnabled: cfg.DefaultPostEnabled,
		DefaultResponse:    cfg.DefaultResponse,
	}, log.Named("rules"))
	hub := events.NewHub(log.Named("events"))
	resp := responder.New(svc, st, hub, responder.Options{
		ReplyWithDefault: cfg.ReplyWithDefault,
		WebhookURL:       cfg.ReplyWebhookURL,
		Interval:         time.Duration(cfg.ReplyIntervalSeconds) * time.Second,
		QueueSize:        cfg.ReplyQueueSize,
	}, log.Named("responder"))
	job := scheduler.RetentionJob{Store: st, Days: cfg.ReplyRetentionDays, Log: log.Named("retention")}
	return &app{
		db:        database,
		store:     st,
		rules:     svc,
		hub:       hub,
		responder: resp,
		scheduler: scheduler.New(cfg.MaintenanceTime, job, log.Named("scheduler")),
	}, nil
}

func (a *app) Close() error {
	a.hub.Close()
	return a.db.Close()
}
