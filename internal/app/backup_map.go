package app

import (
	"fmt"

	"relbot/internal/backup"
)

func mapBackupConfig(cfg *Config) (backup.Config, error) {
	var out backup.Config
	if cfg == nil || cfg.Backup == nil {
		return out, nil
	}
	bc := cfg.Backup
	if bc.Keep < 0 {
		return out, fmt.Errorf("backup.keep must be >= 0")
	}
	if err := backup.ValidateSchedule(bc.Schedule); err != nil {
		return out, err
	}
	out.Enabled = bc.Enabled
	out.Schedule = bc.Schedule
	out.Dir = bc.Dir
	out.Keep = bc.Keep
	return out, nil
}
