package app

import (
	"time"

	"relbot/internal/config"
	"relbot/internal/runtime/supervisor"
	"relbot/internal/transport/telegram/router"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

// SummarizeConfigChange produces a safe, structured summary of config diffs.
// Kept here as a compatibility alias so internal/app doesn't need to import internal/config directly.
var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

type SupervisorRegistry = router.SupervisorRegistry

var NewSupervisor = supervisor.New

var NewSupervisorRegistry = router.NewSupervisorRegistry

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Router ----

type Services = router.Services

type CommandManager = router.CommandManager

var NewCommandManager = router.NewCommandManager

// Registry is the bot's command surface (commands + callback routes).
var Registry = router.Registry

type NoteSink = router.NoteSink

var NewNoteSink = router.NewNoteSink

var RunAuthAlerts = router.RunAuthAlerts
