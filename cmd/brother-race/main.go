// Command brother-race runs rounds of the rendezvous between itself and the
// brothers it launches, and reports how long the processes take to meet.
//
// Run it without the "brother" argument; it re-runs itself with that
// argument for every brother:
//
//	brother-race -rounds 1000
//
// With BROTHER_METRICS_ADDR set the primary serves /metrics, /live and
// /ready on that address while the rounds run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/srediag/brother-shm/internal/logging"
	"github.com/srediag/brother-shm/pkg/brother"
	"github.com/srediag/brother-shm/pkg/cmdline"
	"github.com/srediag/brother-shm/pkg/health"
)

type flags struct {
	rounds int
	work   time.Duration
	list   bool
}

// parseFlags accepts the enumeration flag so that a listing run reaches
// brother.Start, which refuses to launch anything for it.
func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("brother-race", flag.ContinueOnError)
	fs.IntVar(&f.rounds, "rounds", 100, "number of rendezvous rounds")
	fs.DurationVar(&f.work, "work", 0, "time spent inside each round")
	fs.BoolVar(&f.list, cmdline.EnumerationMarker, false, "list the rounds and exit without launching brothers")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	if err := run(f.rounds, f.work); err != nil {
		if errors.Is(err, brother.ErrEnumerationOnly) {
			fmt.Printf("rounds: %d\n", f.rounds)
			return
		}
		fmt.Fprintln(os.Stderr, "brother-race:", err)
		os.Exit(1)
	}
}

func run(rounds int, work time.Duration) error {
	cfg, err := brother.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.Logging())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	monitor := health.NewMonitor(reg, "brother")
	sess, err := brother.Start(context.Background(), cfg,
		brother.WithLogger(logger),
		brother.WithRegisterer(reg),
		brother.WithMonitor(monitor))
	if err != nil {
		return err
	}
	defer sess.Close()
	logger = logger.With(zap.Stringer("role", sess.Role()))

	if cfg.MetricsAddr != "" && sess.Role() == brother.RolePrimary {
		srv := serve(cfg.MetricsAddr, reg, monitor, logger)
		defer srv.Shutdown(context.Background())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	start := time.Now()
	for i := 0; i < rounds; i++ {
		select {
		case sig := <-sigs:
			return fmt.Errorf("interrupted by %s after %d rounds", sig, i)
		default:
		}
		err := sess.Run(func() error {
			if work > 0 {
				time.Sleep(work)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("round %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	if err := sess.Close(); err != nil {
		return err
	}
	logger.Info("rounds complete",
		zap.Int("rounds", rounds),
		zap.Duration("elapsed", elapsed),
		zap.Duration("per_round", elapsed/time.Duration(max(rounds, 1))))
	if sess.Role() == brother.RolePrimary {
		fmt.Printf("%d rounds with %d participants in %s (%s per round)\n",
			rounds, cfg.Participants, elapsed, elapsed/time.Duration(max(rounds, 1)))
	}
	return nil
}

func serve(addr string, reg *prometheus.Registry, monitor *health.Monitor, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/live", monitor.Handler())
	mux.Handle("/ready", monitor.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
