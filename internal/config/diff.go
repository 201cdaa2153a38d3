package config

import (
	"reflect"
	"strings"

	logx "jobmesh/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"scheduler": true,
	"executor":  true,
	"cluster":   true,
	"storage":   true,
	"api":       true,
	"balancer":  true,
}

// SummarizeChange returns the changed section names and safe attributes
// for logging. Secrets (tokens, DSNs) are reported as set/unset only.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Int("scheduler.max_instances", newCfg.Scheduler.MaxInstances),
		)
	}
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs, logx.Int("executor.workers", newCfg.Executor.Workers))
	}
	if oldCfg.Balancer != newCfg.Balancer {
		changed = append(changed, "balancer")
		attrs = append(attrs,
			logx.Int("balancer.ceiling", newCfg.Balancer.Ceiling),
			logx.String("balancer.every", newCfg.Balancer.Every),
		)
	}
	if oldCfg.Cluster.Driver != newCfg.Cluster.Driver || oldCfg.Cluster.DSN != newCfg.Cluster.DSN {
		changed = append(changed, "cluster")
		attrs = append(attrs,
			logx.String("cluster.driver", newCfg.Cluster.Driver),
			logx.Bool("cluster.dsn_set", strings.TrimSpace(newCfg.Cluster.DSN) != ""),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault()) {
		n := newCfg.NotifierOrDefault()
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.recipients", len(n.Recipients)),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.timeout", newCfg.Telegram.Timeout),
		)
	}
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}
	return changed, attrs
}

// NeedsRestart filters sections that cannot be applied live.
func NeedsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
