// Command rttfeed replays a CSV RTT trace into a running monitor's ingest channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coachpo/leomon/internal/app/replay"
	"github.com/coachpo/leomon/internal/infra/ingest"
)

type options struct {
	data       string
	server     string
	contextID  string
	rate       float64
	burst      int
	maxRetries int
	repeat     int
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "rttfeed ", log.LstdFlags|log.Lmicroseconds)
	if err := run(ctx, logger, opts); err != nil {
		logger.Fatalf("replay: %v", err)
	}
}

func parseFlags(argv []string) (options, error) {
	var opts options
	flags := flag.NewFlagSet("rttfeed", flag.ContinueOnError)
	flags.StringVar(&opts.data, "data", "", "Path to the RTT trace (CSV: sec,usec,rtt_us,is_reconfig)")
	flags.StringVar(&opts.server, "server", "ws://127.0.0.1:7400", "Ingest server root URL")
	flags.StringVar(&opts.contextID, "context", "root", "Context to feed")
	flags.Float64Var(&opts.rate, "rate", 0, "Records per second (0 = unthrottled)")
	flags.IntVar(&opts.burst, "burst", 1, "Rate limiter burst")
	flags.IntVar(&opts.maxRetries, "retries", 0, "Dial attempts per connect (0 = until interrupted)")
	flags.IntVar(&opts.repeat, "repeat", 1, "Number of passes over the trace")
	if err := flags.Parse(argv); err != nil {
		return options{}, err
	}
	if opts.data == "" {
		return options{}, errors.New("-data is required")
	}
	if opts.repeat <= 0 {
		return options{}, errors.New("-repeat must be >0")
	}
	return opts, nil
}

func run(ctx context.Context, logger *log.Logger, opts options) error {
	sender, err := ingest.NewSender(ingest.SenderConfig{
		BaseURL:     opts.server,
		ContextID:   opts.contextID,
		Rate:        opts.rate,
		Burst:       opts.burst,
		MaxAttempts: opts.maxRetries,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sender.Close(); cerr != nil {
			logger.Printf("close sender: %v", cerr)
		}
	}()

	start := time.Now()
	for pass := 1; pass <= opts.repeat; pass++ {
		if err := replayOnce(ctx, sender, opts.data); err != nil {
			return fmt.Errorf("pass %d: %w", pass, err)
		}
	}
	logger.Printf("replayed %d records to %s in %v", sender.Sent(), sender.URL(), time.Since(start))
	return nil
}

func replayOnce(ctx context.Context, sender *ingest.Sender, path string) error {
	feeder, err := replay.OpenCSVFeeder(path)
	if err != nil {
		return err
	}
	defer feeder.Close()

	for {
		rec, err := feeder.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sender.Send(ctx, rec); err != nil {
			return err
		}
	}
}
