package decoder_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tunerd/internal/decoder"
	"tunerd/internal/eventbus"
	"tunerd/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// syncBuffer is a bytes.Buffer safe for the decoder's output goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("skipped, binary %s not available: %v", name, err)
	}
	return p
}

func fast(cmd string) decoder.Config {
	return decoder.Config{
		Command:         cmd,
		LivenessTimeout: 100 * time.Millisecond,
		RespawnDelay:    20 * time.Millisecond,
		MaxDeaths:       3,
		CloseGrace:      200 * time.Millisecond,
	}
}

func TestEmptyCommand(t *testing.T) {
	_, err := decoder.New(decoder.Config{Command: "  "}, nil)
	require.ErrorIs(t, err, decoder.ErrNoCommand)
}

func TestPipesThroughProcess(t *testing.T) {
	cat := lookPath(t, "cat")
	var out syncBuffer
	cnt := &status.Counters{}
	d, err := decoder.New(fast(cat), &out, decoder.WithCounters(cnt))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.Equal(t, int64(1), cnt.DecodersActive.Load())
	n, err := d.Write([]byte("ts-packet-1\n"))
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Eventually(t, func() bool { return out.String() == "ts-packet-1\n" }, 2*time.Second, 10*time.Millisecond)

	// output arrived before the liveness timeout, so the process survives it
	time.Sleep(200 * time.Millisecond)
	st := d.Stats()
	require.True(t, st.Running)
	require.Zero(t, st.DeadCount)
	require.False(t, st.Fallback)

	require.NoError(t, d.Close())
	require.Equal(t, int64(0), cnt.DecodersActive.Load())
}

func TestRepeatedDeathsFallBackToPassThrough(t *testing.T) {
	trueBin := lookPath(t, "true")
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	var out syncBuffer
	cnt := &status.Counters{}
	d, err := decoder.New(fast(trueBin), &out, decoder.WithBus(bus), decoder.WithCounters(cnt))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.Eventually(t, func() bool { return d.Stats().Fallback }, 5*time.Second, 10*time.Millisecond)
	st := d.Stats()
	require.Equal(t, 4, st.DeadCount)
	require.False(t, st.Running)
	require.Equal(t, uint64(3), cnt.DecoderRespawns.Load())
	require.Equal(t, uint64(1), cnt.DecoderFallbacks.Load())

	_, err = d.Write([]byte("raw"))
	require.NoError(t, err)
	require.Equal(t, "raw", out.String())

	// no further spawns after fallback
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 4, d.Stats().DeadCount)

	var spawned, dead, fallback int
	for len(events) > 0 {
		switch e := <-events; e.Type {
		case eventbus.DecoderSpawned:
			spawned++
		case eventbus.DecoderDead:
			dead++
		case eventbus.DecoderFallback:
			fallback++
		}
	}
	require.Equal(t, 4, spawned)
	require.Equal(t, 4, dead)
	require.Equal(t, 1, fallback)
}

func TestSpawnFailureCountsAsDeath(t *testing.T) {
	var out syncBuffer
	d, err := decoder.New(fast("/nonexistent/tuner-decoder --b25"), &out)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.Eventually(t, func() bool { return d.Stats().Fallback }, 5*time.Second, 10*time.Millisecond)
	_, err = d.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, "abc", out.String())
}

func TestSilentProcessIsKilledAndRespawned(t *testing.T) {
	sleep := lookPath(t, "sleep")
	var out syncBuffer
	d, err := decoder.New(fast(sleep+" 30"), &out)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.Eventually(t, func() bool { return d.Stats().Running }, 2*time.Second, 10*time.Millisecond)
	firstPID := d.Stats().PID

	// no output ever arrives, so the liveness timer fires
	_, err = d.Write([]byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := d.Stats()
		return st.DeadCount == 1 && st.Running && st.PID != firstPID
	}, 3*time.Second, 10*time.Millisecond)
	require.Empty(t, out.String())
}

func TestIdleProcessIsNotKilled(t *testing.T) {
	sleep := lookPath(t, "sleep")
	d, err := decoder.New(fast(sleep+" 30"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	// the liveness timer only starts on the first write
	time.Sleep(300 * time.Millisecond)
	st := d.Stats()
	require.True(t, st.Running)
	require.Zero(t, st.DeadCount)
}

func TestCloseIsIdempotent(t *testing.T) {
	cat := lookPath(t, "cat")
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	d, err := decoder.New(fast(cat), nil, decoder.WithBus(bus))
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	select {
	case <-d.Done():
	default:
		t.Fatal("Done not closed after Close")
	}

	n, err := d.Write([]byte("late"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	st := d.Stats()
	require.True(t, st.Closed)
	require.False(t, st.Running)
	require.Equal(t, uint64(4), st.Dropped)

	closed := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.DecoderClosed {
			closed++
		}
	}
	require.Equal(t, 1, closed)
}

func TestCloseKillsProcessIgnoringStdin(t *testing.T) {
	sleep := lookPath(t, "sleep")
	d, err := decoder.New(fast(sleep+" 30"), nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, d.Close())
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, d.Stats().Running)
}

func TestExitIsSeenWhileForkedHelperHoldsStdout(t *testing.T) {
	lookPath(t, "sh")
	lookPath(t, "sleep")
	script := filepath.Join(t.TempDir(), "forks.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 30 &\nexit 0\n"), 0o755))

	d, err := decoder.New(fast(script), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Stats().Fallback }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 4, d.Stats().DeadCount)

	start := time.Now()
	require.NoError(t, d.Close())
	require.Less(t, time.Since(start), time.Second)
}
