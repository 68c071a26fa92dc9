package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Telegram.Enabled != newCfg.Logging.Telegram.Enabled ||
		oldCfg.Logging.Telegram.ThreadID != newCfg.Logging.Telegram.ThreadID ||
		oldCfg.Logging.Telegram.MinLevel != newCfg.Logging.Telegram.MinLevel ||
		oldCfg.Logging.Telegram.RatePerSec != newCfg.Logging.Telegram.RatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Tracker (never log tokens; surface only whether they are set)
	oT := oldCfg.Tracker
	nT := newCfg.Tracker
	if oT.Enabled != nT.Enabled ||
		strings.TrimSpace(oT.Tick) != strings.TrimSpace(nT.Tick) ||
		strings.TrimSpace(oT.PollSpacing) != strings.TrimSpace(nT.PollSpacing) ||
		oT.Workers != nT.Workers ||
		oT.QueueSize != nT.QueueSize ||
		oT.DefaultEveryHours != nT.DefaultEveryHours ||
		strings.TrimSpace(oT.GitHubBaseURL) != strings.TrimSpace(nT.GitHubBaseURL) ||
		strings.TrimSpace(oT.GitLabBaseURL) != strings.TrimSpace(nT.GitLabBaseURL) ||
		strings.TrimSpace(oT.RequestTimeout) != strings.TrimSpace(nT.RequestTimeout) ||
		(strings.TrimSpace(oT.GitHubToken) != "") != (strings.TrimSpace(nT.GitHubToken) != "") ||
		(strings.TrimSpace(oT.GitLabToken) != "") != (strings.TrimSpace(nT.GitLabToken) != "") {
		changed = append(changed, "tracker")
		attrs = append(attrs,
			logx.Bool("tracker.enabled", nT.Enabled),
			logx.String("tracker.tick", strings.TrimSpace(nT.Tick)),
			logx.String("tracker.poll_spacing", strings.TrimSpace(nT.PollSpacing)),
			logx.Int("tracker.workers", nT.Workers),
			logx.Int("tracker.queue_size", nT.QueueSize),
			logx.Int("tracker.default_every_hours", nT.DefaultEveryHours),
			logx.Bool("tracker.github_token_set", strings.TrimSpace(nT.GitHubToken) != ""),
			logx.Bool("tracker.gitlab_token_set", strings.TrimSpace(nT.GitLabToken) != ""),
		)
	}

	// Storage (persistence)
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	// Nil means the built-in default (file store next to the binary).
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Credentials (never log the key)
	if (strings.TrimSpace(oldCfg.Credentials.Key) != "") != (strings.TrimSpace(newCfg.Credentials.Key) != "") ||
		strings.TrimSpace(oldCfg.Credentials.Key) != strings.TrimSpace(newCfg.Credentials.Key) {
		changed = append(changed, "credentials")
		attrs = append(attrs,
			logx.Bool("credentials.key_set", strings.TrimSpace(newCfg.Credentials.Key) != ""),
		)
	}

	// Backup
	oldB := oldCfg.Backup
	newB := newCfg.Backup
	var oEnabled, nEnabled bool
	var oSched, nSched, oDir, nDir string
	var oKeep, nKeep int
	if oldB != nil {
		oEnabled, oSched, oDir, oKeep = oldB.Enabled, strings.TrimSpace(oldB.Schedule), strings.TrimSpace(oldB.Dir), oldB.Keep
	}
	if newB != nil {
		nEnabled, nSched, nDir, nKeep = newB.Enabled, strings.TrimSpace(newB.Schedule), strings.TrimSpace(newB.Dir), newB.Keep
	}
	if oEnabled != nEnabled || oSched != nSched || oDir != nDir || oKeep != nKeep {
		changed = append(changed, "backup")
		attrs = append(attrs,
			logx.Bool("backup.enabled", nEnabled),
			logx.String("backup.schedule", nSched),
			logx.Bool("backup.dir_set", nDir != ""),
			logx.Int("backup.keep", nKeep),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
