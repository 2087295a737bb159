package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tunerd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the keys of jobs that were
// added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.JobEngine != newCfg.JobEngine {
		je := newCfg.JobEngine
		changed = append(changed, "job_engine")
		attrs = append(attrs,
			logx.Int("job_engine.max_running", je.MaxRunning),
			logx.Int("job_engine.max_standby", je.MaxStandby),
			logx.Int("job_engine.max_history", je.MaxHistory),
			logx.String("job_engine.standby_poll", strings.TrimSpace(je.StandbyPoll)),
			logx.String("job_engine.timezone", strings.TrimSpace(je.Timezone)),
		)
	}

	if oldCfg.Decoder != newCfg.Decoder {
		changed = append(changed, "decoder")
		attrs = append(attrs,
			logx.Bool("decoder.command_set", strings.TrimSpace(newCfg.Decoder.Command) != ""),
			logx.Int("decoder.max_deaths", newCfg.Decoder.MaxDeaths),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]uint64 {
		m := make(map[string]uint64, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Key)] = hashJSON(j)
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	out := make([]string, 0)
	for k, h := range oldM {
		if nh, ok := newM[k]; !ok || nh != h {
			out = append(out, k)
		}
	}
	for k := range newM {
		if _, ok := oldM[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
