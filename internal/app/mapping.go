package app

import (
	"fmt"
	"strings"
	"time"

	"tunerd/internal/config"
	"tunerd/internal/decoder"
	"tunerd/internal/storage"
	"tunerd/internal/task/engine"
	logx "tunerd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	je := cfg.JobEngine
	poll, err := config.ParseDurationField("job_engine.standby_poll", je.StandbyPoll)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		MaxRunning:  je.MaxRunning,
		MaxStandby:  je.MaxStandby,
		MaxHistory:  je.MaxHistory,
		StandbyPoll: poll,
		Timezone:    strings.TrimSpace(je.Timezone),
	}, nil
}

// MapDecoderConfig converts the decoder section. command overrides the file value when set.
func MapDecoderConfig(cfg *config.Config, command string) (decoder.Config, error) {
	var dc config.DecoderConfig
	if cfg != nil {
		dc = cfg.Decoder
	}
	if strings.TrimSpace(command) != "" {
		dc.Command = command
	}
	if strings.TrimSpace(dc.Command) == "" {
		return decoder.Config{}, fmt.Errorf("decoder.command is required")
	}
	live, err := config.ParseDurationField("decoder.liveness_timeout", dc.LivenessTimeout)
	if err != nil {
		return decoder.Config{}, err
	}
	respawn, err := config.ParseDurationField("decoder.respawn_delay", dc.RespawnDelay)
	if err != nil {
		return decoder.Config{}, err
	}
	grace, err := config.ParseDurationField("decoder.close_grace", dc.CloseGrace)
	if err != nil {
		return decoder.Config{}, err
	}
	return decoder.Config{
		Command:         dc.Command,
		LivenessTimeout: live,
		RespawnDelay:    respawn,
		MaxDeaths:       dc.MaxDeaths,
		CloseGrace:      grace,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	switch driver {
	case "file", "sqlite", "sqlite3":
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, KeepRuns: sc.KeepRuns}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
