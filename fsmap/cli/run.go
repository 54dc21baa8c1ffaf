// Package cli runs a store as a process that speaks the worker protocol as
// JSON lines: requests on stdin, messages on stdout, the log on stderr.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/config"
	"github.com/ZanzyTHEbar/fsmap/fsmap/worker"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

const usage = `Usage: fsmap [flags]

Serves the collections of a store. Reads one JSON request per line from
stdin and writes one JSON message per line to stdout until stdin closes.

Flags:
`

// Run executes the command and returns the exit code.
func Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	flags := flag.NewFlagSet("fsmap", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	configPath := flags.StringP("config", "c", "", "config file (default search: ./config.yaml, "+fsmap.DefaultConfigFile+")")
	logLevel := flags.String("log-level", "info", "stderr log level")
	forward := flags.String("forward", "error", "lowest log level sent as message_* lines, or disabled")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(stdout, usage+flags.FlagUsages())
			return 0
		}
		fmt.Fprintln(stderr, "error:", err)
		fmt.Fprint(stderr, usage+flags.FlagUsages())
		return 2
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(stderr, "error: --log-level:", err)
		return 2
	}
	forwardLevel, err := zerolog.ParseLevel(*forward)
	if err != nil {
		fmt.Fprintln(stderr, "error: --forward:", err)
		return 2
	}

	console := zerolog.ConsoleWriter{Out: zerolog.SyncWriter(stderr), NoColor: true}
	log := fsmap.NewLogger(console).Level(level)

	opts, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("load config")
		return 1
	}
	env, err := opts.Normalize()
	if err != nil {
		log.Error().Err(err).Msg("invalid config")
		return 1
	}

	wopts := worker.DefaultOptions()
	wopts.Output = console
	wopts.Level = level
	wopts.Forward = forwardLevel
	w := worker.New(env, wopts)

	var out sync.WaitGroup
	out.Add(1)
	go func() {
		defer out.Done()
		writeMessages(stdout, w.Messages(), log)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := w.Start(ctx); err != nil {
		log.Error().Err(err).Msg("start")
		w.Close()
		out.Wait()
		return 1
	}
	log.Info().Int("collections", len(env.Collections)).Msg("store started")

	lines := make(chan error, 1)
	go func() { lines <- readRequests(stdin, w, log) }()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-lines:
		if err != nil {
			log.Error().Err(err).Msg("read requests")
			code = 1
		}
	}

	if err := w.Close(); err != nil {
		log.Error().Err(err).Msg("close")
		code = 1
	}
	out.Wait()
	log.Info().Msg("store stopped")
	return code
}

// readRequests posts every request line to w until EOF. Blank lines are
// skipped; a malformed line is logged and skipped.
func readRequests(r io.Reader, w *worker.Worker, log zerolog.Logger) error {
	dec := json.NewDecoder(r)
	for {
		var req worker.Request
		err := dec.Decode(&req)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				return fsmap.Wrap(fsmap.ErrProtocol, "decode request", err)
			}
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				log.Error().Err(err).Msg("skip request")
				continue
			}
			return err
		}
		w.Post(req)
	}
}

func writeMessages(stdout io.Writer, messages <-chan worker.Message, log zerolog.Logger) {
	enc := json.NewEncoder(stdout)
	for m := range messages {
		if err := enc.Encode(m); err != nil {
			log.Error().Err(err).Str("type", string(m.Type)).Msg("write message")
		}
	}
}
