package config

// Config is the tunerd configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	JobEngine JobEngineConfig `json:"job_engine"`
	Decoder   DecoderConfig   `json:"decoder"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// JobEngineConfig controls admission limits. Zero values mean "derive from CPU count".
//
// Defaults:
//   - max_running: NumCPU-1 (min 1)
//   - max_standby: NumCPU/2 (min 1)
//   - max_history: 50
//   - standby_poll: "1s"
//   - timezone: local time
type JobEngineConfig struct {
	MaxRunning  int    `json:"max_running,omitempty"`
	MaxStandby  int    `json:"max_standby,omitempty"`
	MaxHistory  int    `json:"max_history,omitempty"`
	StandbyPoll string `json:"standby_poll,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// DecoderConfig configures the stream decoder used by `tunerd decode`.
//
// Defaults: liveness_timeout "1.5s", respawn_delay "1.5s", max_deaths 3,
// close_grace "500ms".
type DecoderConfig struct {
	Command         string `json:"command,omitempty"`
	LivenessTimeout string `json:"liveness_timeout,omitempty"`
	RespawnDelay    string `json:"respawn_delay,omitempty"`
	MaxDeaths       int    `json:"max_deaths,omitempty"`
	CloseGrace      string `json:"close_grace,omitempty"`
}

// StorageConfig controls persistence of finished runs. Nil means disabled.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tunerd.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	KeepRuns    int    `json:"keep_runs,omitempty"`
}

// JobConfig is a command job. With Cron set it becomes a schedule; without,
// it runs once when the server starts and on demand via "tunerd run".
type JobConfig struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
	Cron string `json:"cron,omitempty"`

	Command string `json:"command"`
	// ReadyCommand gates each run: exit status 0 means ready, anything else skips.
	ReadyCommand string `json:"ready_command,omitempty"`
	Timeout      string `json:"timeout,omitempty"`

	RetryOnFail  bool   `json:"retry_on_fail,omitempty"`
	RetryOnAbort bool   `json:"retry_on_abort,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryDelay   string `json:"retry_delay,omitempty"`
}
