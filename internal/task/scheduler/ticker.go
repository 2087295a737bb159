package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tunerd/pkg/logx"
)

// everyMinute fires at second 0 of every minute.
var everyMinute = mustStandard("* * * * *")

func mustStandard(spec string) cron.Schedule {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		panic(err)
	}
	return s
}

// Ticker calls fn once per minute, at the minute boundary, with the current
// time in the ticker's location.
type Ticker struct {
	mu  sync.Mutex
	loc *time.Location
	log logx.Logger
	fn  func(now time.Time)
	c   *cron.Cron
}

func NewTicker(loc *time.Location, log logx.Logger, fn func(now time.Time)) *Ticker {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ticker{loc: loc, log: log, fn: fn}
}

func (t *Ticker) Location() *time.Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loc
}

// Start is idempotent.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}
	cl := cronLogger{log: t.log}
	t.c = cron.New(
		cron.WithLocation(t.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	loc := t.loc
	t.c.Schedule(everyMinute, cron.FuncJob(func() {
		t.fn(time.Now().In(loc))
	}))
	t.c.Start()
	t.log.Debug("minute ticker started", logx.String("tz", loc.String()))
}

// Stop stops the ticker and waits (bounded by ctx) for a running tick to return.
func (t *Ticker) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// SetLocation switches the ticker time zone, restarting it if running.
func (t *Ticker) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	t.mu.Lock()
	running := t.c != nil
	same := t.loc.String() == loc.String()
	t.mu.Unlock()
	if same {
		return
	}
	if running {
		t.Stop(context.Background())
	}
	t.mu.Lock()
	t.loc = loc
	t.mu.Unlock()
	if running {
		t.Start()
	}
}

// LoadLocation resolves an IANA time zone name, falling back to Local.
func LoadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		if !log.IsZero() {
			log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		}
		return time.Local
	}
	return loc
}

// cronLogger adapts logx.Logger to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
