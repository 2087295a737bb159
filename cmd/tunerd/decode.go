package main

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"tunerd/internal/app"
	"tunerd/internal/config"
	"tunerd/internal/decoder"
	"tunerd/internal/eventbus"
	"tunerd/internal/status"
	logx "tunerd/pkg/logx"
)

var flagDecodeCommand string

func init() {
	decodeCmd.Flags().StringVar(&flagDecodeCommand, "command", "", "decoder command (overrides decoder.command)")
}

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "pipe stdin through the supervised decoder to stdout",
	Long: "decode runs the configured decoder as a supervised child process. If the\n" +
		"decoder hangs or keeps dying, the stream is passed through unchanged.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var cfg *config.Config
		if exists(flagConfigPath) {
			c, err := config.NewConfigManager(flagConfigPath).Load()
			if err != nil {
				return configError(err)
			}
			cfg = c
		}
		dc, err := app.MapDecoderConfig(cfg, flagDecodeCommand)
		if err != nil {
			return err
		}

		log := logx.NewConsole(flagLogLevel)
		cnt := &status.Counters{}
		out := &flushWriter{w: bufio.NewWriterSize(os.Stdout, 188*1024)}
		d, err := decoder.New(dc, out,
			decoder.WithLogger(log),
			decoder.WithBus(eventbus.Nop()),
			decoder.WithCounters(cnt),
		)
		if err != nil {
			return err
		}

		copyDone := make(chan error, 1)
		go func() {
			_, err := io.Copy(d, os.Stdin)
			copyDone <- err
		}()

		select {
		case err = <-copyDone:
		case <-cmd.Context().Done():
		}
		_ = d.Close()
		// the copy goroutine may still be in Write; out serializes with it
		if ferr := out.Flush(); ferr != nil && !errors.Is(ferr, os.ErrClosed) {
			return ferr
		}

		st := d.Stats()
		log.Info("decode finished",
			logx.Uint64("bytes_in", st.BytesIn),
			logx.Uint64("bytes_out", st.BytesOut),
			logx.Int("deaths", st.DeadCount),
			logx.Bool("fallback", st.Fallback),
		)
		return err
	},
}

// flushWriter lets Flush run while a late Write is still in flight.
type flushWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (f *flushWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Write(p)
}

func (f *flushWriter) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Flush()
}
