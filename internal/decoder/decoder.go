package decoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tunerd/internal/eventbus"
	"tunerd/internal/status"
	logx "tunerd/pkg/logx"
)

var ErrNoCommand = errors.New("decoder: empty command")

// ids numbers decoders for logs and events; it carries no other state.
var ids atomic.Uint64

type Config struct {
	// Command is split on whitespace into the executable and its arguments.
	Command string
	// LivenessTimeout bounds the wait for the first output byte after the
	// first write to a fresh process. Default: 1.5s.
	LivenessTimeout time.Duration
	// RespawnDelay is the pause between a death and the next spawn. Default: 1.5s.
	RespawnDelay time.Duration
	// MaxDeaths is the number of deaths tolerated; one more switches to pass-through. Default: 3.
	MaxDeaths int
	// CloseGrace is how long Close lets the process flush after stdin is closed. Default: 500ms.
	CloseGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 1500 * time.Millisecond
	}
	if c.RespawnDelay <= 0 {
		c.RespawnDelay = 1500 * time.Millisecond
	}
	if c.MaxDeaths <= 0 {
		c.MaxDeaths = 3
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 500 * time.Millisecond
	}
	return c
}

type Option func(*Decoder)

func WithLogger(log logx.Logger) Option { return func(d *Decoder) { d.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(d *Decoder) { d.bus = bus } }

func WithCounters(c *status.Counters) Option { return func(d *Decoder) { d.cnt = c } }

// Stats is a point-in-time view of a Decoder.
type Stats struct {
	ID        uint64 `json:"id"`
	Command   string `json:"command"`
	PID       int    `json:"pid,omitempty"`
	Running   bool   `json:"running"`
	DeadCount int    `json:"dead_count"`
	Fallback  bool   `json:"fallback"`
	Closed    bool   `json:"closed"`
	BytesIn   uint64 `json:"bytes_in"`
	BytesOut  uint64 `json:"bytes_out"`
	Dropped   uint64 `json:"dropped"`
}

type Decoder struct {
	id   uint64
	cfg  Config
	argv []string
	log  logx.Logger
	bus  eventbus.Bus
	cnt  *status.Counters

	out   io.Writer
	outMu sync.Mutex

	writeMu sync.Mutex

	mu        sync.Mutex
	gen       uint64 // bumped on every spawn; stale exits and timers compare against it
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	exited    chan struct{}
	fresh     bool // no output seen from the current process yet
	liveness  *time.Timer
	respawn   *time.Timer
	deadCount int
	fallback  bool
	closed    bool

	closeOnce sync.Once
	done      chan struct{}

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	dropped  atomic.Uint64
	dropWarn rate.Sometimes
}

// New starts the decoder process and returns immediately. A process that
// fails to start counts as a death like any other.
func New(cfg Config, out io.Writer, opts ...Option) (*Decoder, error) {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	if out == nil {
		out = io.Discard
	}
	d := &Decoder{
		id:       ids.Add(1),
		cfg:      cfg.withDefaults(),
		argv:     argv,
		out:      out,
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("comp", fmt.Sprintf("decoder#%d", d.id)))
	if d.bus == nil {
		d.bus = eventbus.Nop()
	}
	if d.cnt == nil {
		d.cnt = &status.Counters{}
	}
	d.cnt.DecodersActive.Add(1)

	d.mu.Lock()
	d.spawnLocked()
	d.mu.Unlock()
	return d, nil
}

func (d *Decoder) spawnLocked() {
	d.gen++
	gen := d.gen

	cmd := exec.Command(d.argv[0], d.argv[1:]...)
	setProcGroup(cmd)
	// Plain os.Pipe ends keep cmd.Wait independent of the readers: a helper
	// that inherits stdout cannot delay exit detection.
	stdin, err := cmd.StdinPipe()
	var stdoutR, stdoutW, stderrR, stderrW *os.File
	if err == nil {
		stdoutR, stdoutW, err = os.Pipe()
	}
	if err == nil {
		stderrR, stderrW, err = os.Pipe()
	}
	if err == nil {
		cmd.Stdout, cmd.Stderr = stdoutW, stderrW
		err = cmd.Start()
	}
	for _, f := range []*os.File{stdoutW, stderrW} {
		if f != nil {
			_ = f.Close()
		}
	}
	if err != nil {
		for _, f := range []*os.File{stdoutR, stderrR} {
			if f != nil {
				_ = f.Close()
			}
		}
		if stdin != nil {
			_ = stdin.Close()
		}
		d.log.Warn("decoder spawn failed", logx.String("command", d.cfg.Command), logx.Err(err))
		d.deathLocked(err)
		return
	}

	exited := make(chan struct{})
	d.cmd, d.stdin, d.exited = cmd, stdin, exited
	d.fresh = true

	go func() {
		defer stdoutR.Close()
		d.pumpStdout(gen, stdoutR)
	}()
	go func() {
		defer stderrR.Close()
		d.pumpStderr(stderrR)
	}()
	go func() {
		err := cmd.Wait()
		// take down anything the process left holding our pipes
		killGroup(cmd.Process.Pid)
		close(exited)
		d.onExit(gen, err)
	}()

	d.log.Info("decoder spawned", logx.Int("pid", cmd.Process.Pid), logx.Int("deaths", d.deadCount))
	d.bus.Publish(eventbus.Event{Type: eventbus.DecoderSpawned, Data: d.statsLocked()})
}

func (d *Decoder) pumpStdout(gen uint64, r io.Reader) {
	buf := make([]byte, 32*1024)
	first := true
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if first {
				first = false
				d.mu.Lock()
				if d.gen == gen {
					d.fresh = false
					stopTimer(&d.liveness)
				}
				d.mu.Unlock()
			}
			d.emit(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (d *Decoder) pumpStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		d.log.Debug("decoder stderr", logx.String("line", sc.Text()))
	}
}

func (d *Decoder) emit(p []byte) {
	d.outMu.Lock()
	_, err := d.out.Write(p)
	d.outMu.Unlock()
	if err != nil {
		d.dropWarn.Do(func() { d.log.Warn("decoder output write failed", logx.Err(err)) })
		return
	}
	d.bytesOut.Add(uint64(len(p)))
}

// Write forwards p to the decoder process, or straight to the output in
// pass-through mode. It never fails: bytes that cannot be delivered are dropped.
func (d *Decoder) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.bytesIn.Add(uint64(len(p)))

	d.mu.Lock()
	if d.fallback && !d.closed {
		d.mu.Unlock()
		d.emit(p)
		return len(p), nil
	}
	w := d.stdin
	if w == nil {
		d.mu.Unlock()
		d.drop(p, nil)
		return len(p), nil
	}
	if d.fresh && d.liveness == nil {
		gen := d.gen
		d.liveness = time.AfterFunc(d.cfg.LivenessTimeout, func() { d.onLivenessTimeout(gen) })
	}
	d.mu.Unlock()

	if _, err := w.Write(p); err != nil {
		d.drop(p, err)
	}
	return len(p), nil
}

func (d *Decoder) drop(p []byte, err error) {
	d.dropped.Add(uint64(len(p)))
	d.dropWarn.Do(func() {
		fields := []logx.Field{logx.Int("bytes", len(p))}
		if err != nil {
			fields = append(fields, logx.Err(err))
		}
		d.log.Warn("decoder input dropped", fields...)
	})
}

func (d *Decoder) onLivenessTimeout(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.gen != gen || !d.fresh || d.cmd == nil {
		return
	}
	d.liveness = nil
	d.log.Warn("decoder produced no output; killing", logx.Duration("timeout", d.cfg.LivenessTimeout), logx.Int("pid", d.cmd.Process.Pid))
	killGroup(d.cmd.Process.Pid)
}

func (d *Decoder) onExit(gen uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.gen != gen {
		return
	}
	if d.stdin != nil {
		_ = d.stdin.Close()
	}
	d.cmd, d.stdin, d.exited = nil, nil, nil
	if err == nil {
		err = errors.New("exited")
	}
	d.log.Warn("decoder process died", logx.Err(err))
	d.deathLocked(err)
}

// deathLocked counts a death and either schedules a respawn or switches to pass-through.
func (d *Decoder) deathLocked(cause error) {
	stopTimer(&d.liveness)
	d.fresh = false
	d.deadCount++
	d.bus.Publish(eventbus.Event{Type: eventbus.DecoderDead, Data: d.statsLocked()})

	if d.deadCount > d.cfg.MaxDeaths {
		d.fallback = true
		d.cnt.DecoderFallbacks.Add(1)
		d.log.Error("decoder keeps dying; passing input through unchanged",
			logx.Int("deaths", d.deadCount), logx.Err(cause))
		d.bus.Publish(eventbus.Event{Type: eventbus.DecoderFallback, Data: d.statsLocked()})
		return
	}

	d.cnt.DecoderRespawns.Add(1)
	d.respawn = time.AfterFunc(d.cfg.RespawnDelay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.respawn = nil
		if d.closed || d.fallback || d.cmd != nil {
			return
		}
		d.spawnLocked()
	})
}

// Close stops the decoder. The process gets CloseGrace to drain after its
// stdin is closed and is killed afterwards. Close is idempotent.
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		stopTimer(&d.liveness)
		stopTimer(&d.respawn)
		cmd, stdin, exited := d.cmd, d.stdin, d.exited
		d.cmd, d.stdin, d.exited = nil, nil, nil
		d.mu.Unlock()

		if stdin != nil {
			_ = stdin.Close()
		}
		if cmd != nil {
			t := time.NewTimer(d.cfg.CloseGrace)
			select {
			case <-exited:
			case <-t.C:
				killGroup(cmd.Process.Pid)
				<-exited
			}
			t.Stop()
		}

		d.cnt.DecodersActive.Add(-1)
		close(d.done)
		d.log.Info("decoder closed", logx.Uint64("bytes_in", d.bytesIn.Load()), logx.Uint64("bytes_out", d.bytesOut.Load()))
		d.bus.Publish(eventbus.Event{Type: eventbus.DecoderClosed, Data: d.Stats()})
	})
	return nil
}

// Done is closed once Close has finished.
func (d *Decoder) Done() <-chan struct{} { return d.done }

func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statsLocked()
}

func (d *Decoder) statsLocked() Stats {
	s := Stats{
		ID:        d.id,
		Command:   d.cfg.Command,
		Running:   d.cmd != nil,
		DeadCount: d.deadCount,
		Fallback:  d.fallback,
		Closed:    d.closed,
		BytesIn:   d.bytesIn.Load(),
		BytesOut:  d.bytesOut.Load(),
		Dropped:   d.dropped.Load(),
	}
	if d.cmd != nil && d.cmd.Process != nil {
		s.PID = d.cmd.Process.Pid
	}
	return s
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
