package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tunerd/internal/task/scheduler"
)

// Validate checks values the JSON decoder cannot: durations, cron
// expressions, time zones and job key uniqueness. All problems are joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}

	je := cfg.JobEngine
	nonNeg("job_engine.max_running", je.MaxRunning)
	nonNeg("job_engine.max_standby", je.MaxStandby)
	nonNeg("job_engine.max_history", je.MaxHistory)
	dur("job_engine.standby_poll", je.StandbyPoll)
	if tz := strings.TrimSpace(je.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("job_engine.timezone: %w", err))
		}
	}

	dc := cfg.Decoder
	dur("decoder.liveness_timeout", dc.LivenessTimeout)
	dur("decoder.respawn_delay", dc.RespawnDelay)
	dur("decoder.close_grace", dc.CloseGrace)
	nonNeg("decoder.max_deaths", dc.MaxDeaths)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path: required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
		nonNeg("storage.keep_runs", st.KeepRuns)
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		p := fmt.Sprintf("jobs[%d]", i)
		key := strings.TrimSpace(j.Key)
		switch {
		case key == "":
			errs = append(errs, fmt.Errorf("%s.key: required", p))
		case seen[key]:
			errs = append(errs, fmt.Errorf("%s.key: duplicate %q", p, key))
		}
		seen[key] = true
		if len(strings.Fields(j.Command)) == 0 {
			errs = append(errs, fmt.Errorf("%s.command: required", p))
		}
		if strings.TrimSpace(j.Cron) != "" {
			if _, err := scheduler.Parse(j.Cron); err != nil {
				errs = append(errs, fmt.Errorf("%s.cron: %w", p, err))
			}
		}
		dur(p+".timeout", j.Timeout)
		dur(p+".retry_delay", j.RetryDelay)
		nonNeg(p+".retry_max", j.RetryMax)
	}
	return errors.Join(errs...)
}
