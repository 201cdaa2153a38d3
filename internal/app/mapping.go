package app

import (
	"os"
	"strings"
	"time"

	"jobmesh/internal/api"
	"jobmesh/internal/config"
	"jobmesh/internal/notifier"
	"jobmesh/internal/storage"
	"jobmesh/internal/task/balancer"
	"jobmesh/internal/task/executor"
	"jobmesh/internal/task/orchestrator"
	"jobmesh/internal/transport"
	"jobmesh/internal/transport/telegram"
	logx "jobmesh/pkg/logx"
)

// settings holds every component config resolved from one config.Config.
type settings struct {
	log       logx.Config
	orch      orchestrator.Config
	exec      executor.Config
	pool      executor.PoolConfig
	shell     string
	webhook   webhookSettings
	balancer  balancer.Config
	notifier  notifier.Config
	storage   storage.Config
	telegram  telegram.Config
	api       api.Config
	apiOn     bool
	clusterDB string
}

type webhookSettings struct {
	timeout   time.Duration
	tripAfter uint32
	openFor   time.Duration
}

func resolve(cfg *config.Config) (settings, error) {
	var d config.Durations
	var s settings

	s.log = mapLogging(cfg.Logging)

	instance := strings.TrimSpace(cfg.Scheduler.InstanceID)
	host, _ := os.Hostname()
	s.orch = orchestrator.Config{
		InstanceID:   instance,
		Host:         host,
		MaxInstances: cfg.Scheduler.MaxInstances,
		InstanceTTL:  d.Get("scheduler.instance_ttl", cfg.Scheduler.InstanceTTL),
		ReloadEvery:  d.Get("scheduler.reload_every", cfg.Scheduler.ReloadEvery),
		HealthEvery:  d.Get("scheduler.health_every", cfg.Scheduler.HealthEvery),
		LockTTL:      d.Get("scheduler.lock_ttl", cfg.Scheduler.LockTTL),
		ClaimTTL:     d.Get("scheduler.claim_ttl", cfg.Scheduler.ClaimTTL),
		Parallelism:  cfg.Scheduler.Parallelism,
		Timezone:     cfg.Scheduler.Timezone,
	}

	s.exec = executor.Config{
		DefaultTimeout: d.Get("executor.default_timeout", cfg.Executor.DefaultTimeout),
		CancelGrace:    d.Get("executor.cancel_grace", cfg.Executor.CancelGrace),
	}
	s.pool = executor.PoolConfig{
		Workers:     cfg.Executor.Workers,
		QueueSize:   cfg.Executor.QueueSize,
		HistorySize: cfg.Executor.HistorySize,
	}
	s.shell = cfg.Executor.Shell
	s.webhook = webhookSettings{
		timeout:   d.Get("executor.webhook_timeout", cfg.Executor.WebhookTimeout),
		tripAfter: uint32(cfg.Executor.WebhookTripAfter),
		openFor:   d.Get("executor.webhook_open_for", cfg.Executor.WebhookOpenFor),
	}

	s.balancer = balancer.Config{
		Ceiling:  cfg.Balancer.Ceiling,
		Every:    d.Get("balancer.every", cfg.Balancer.Every),
		LockTTL:  s.orch.LockTTL,
		Timezone: cfg.Scheduler.Timezone,
		Owner:    instance,
	}

	s.notifier = mapNotifier(cfg.NotifierOrDefault(), &d)

	s.storage = storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: d.Get("storage.busy_timeout", cfg.Storage.BusyTimeout),
	}

	s.telegram = telegram.Config{
		Token:   strings.TrimSpace(cfg.Telegram.Token),
		Timeout: d.Get("telegram.timeout", cfg.Telegram.Timeout),
	}

	s.apiOn = cfg.API.Enabled
	s.api = api.Config{
		Addr:          cfg.API.Addr,
		Token:         cfg.API.Token,
		AllowInsecure: cfg.API.AllowInsecure,
		Debug:         cfg.API.Debug,
		ReadTimeout:   d.Get("api.read_timeout", cfg.API.ReadTimeout),
		WriteTimeout:  d.Get("api.write_timeout", cfg.API.WriteTimeout),
		IdleTimeout:   d.Get("api.idle_timeout", cfg.API.IdleTimeout),
	}

	if strings.EqualFold(cfg.Cluster.Driver, "postgres") {
		s.clusterDB = cfg.Cluster.DSN
	}
	return s, d.Err()
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled:    c.File.Enabled,
			Path:       c.File.Path,
			MaxSizeMB:  c.File.MaxSizeMB,
			MaxBackups: c.File.MaxBackups,
			MaxAgeDays: c.File.MaxAgeDays,
			Compress:   c.File.Compress,
		},
		Chat: logx.ChatConfig{
			Enabled:    c.Telegram.Enabled,
			Target:     transport.Target{ChatID: c.Telegram.ChatID, ThreadID: c.Telegram.ThreadID},
			MinLevel:   c.Telegram.MinLevel,
			RatePerSec: c.Telegram.RatePerSec,
		},
	}
}

func mapNotifier(c config.NotifierConfig, d *config.Durations) notifier.Config {
	rcpt := make(map[string]transport.Target, len(c.Recipients))
	for name, r := range c.Recipients {
		rcpt[name] = transport.Target{ChatID: r.ChatID, ThreadID: r.ThreadID}
	}
	return notifier.Config{
		Enabled:         c.Enabled,
		Workers:         c.Workers,
		QueueSize:       c.QueueSize,
		RatePerSec:      c.RatePerSec,
		RetryMax:        c.RetryMax,
		RetryBase:       d.Get("notifier.retry_base", c.RetryBase),
		RetryMaxDelay:   d.Get("notifier.retry_max_delay", c.RetryMaxDelay),
		SendTimeout:     d.Get("notifier.send_timeout", c.SendTimeout),
		DedupWindow:     d.Get("notifier.dedup_window", c.DedupWindow),
		DedupMaxEntries: c.DedupMaxEntries,
		PersistDedup:    c.PersistDedup,
		Recipients:      rcpt,
	}
}
