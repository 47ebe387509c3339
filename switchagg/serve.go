package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"github.com/unixpickle/switchagg/aggswitch"
	"github.com/unixpickle/switchagg/monitor"
	"github.com/unixpickle/switchagg/reduce"
	"github.com/unixpickle/switchagg/tracing"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an aggregation switch.",
	Long: "`serve` binds one UDP listener per worker thread and aggregates " +
		"chunks until interrupted.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("host", "", "address to bind")
	f.Int("base-port", 0, "port of the first listener")
	f.Int("listeners", 0, "number of listeners (one per worker thread)")
	f.Bool("stragglers", false, "close rounds that exceed the round timeout")
	f.Duration("round-timeout", 0, "how long a round waits for stragglers")
	f.Duration("poll-interval", 0, "maximum wait for datagrams between expiry checks")
	f.Float64("drop-prob", 0, "probability of dropping each incoming chunk")
	f.Int("parallel-min-len", 0, "split sums of chunks this long across CPUs (0 disables)")
	f.String("monitor", "", "address for the HTTP monitor, e.g. localhost:8080")
	f.Bool("open-monitor", false, "open the monitor in a browser")
	f.Bool("trace", false, "record closed rounds in a SQLite database")
	f.String("trace-path", "", "trace database file (default: generated name)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	fileCfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, fileCfg)
	cfg := fileCfg.Switch
	cfg.Logger = logger
	if minLen, _ := cmd.Flags().GetInt("parallel-min-len"); minLen > 0 {
		cfg.Reduce = reduce.ParallelSum(0, minLen)
	}

	if fileCfg.Trace.Enabled {
		tracer := tracing.NewSQLiteRoundTracer(fileCfg.Trace.Path, logger)
		if err := tracer.Init(); err != nil {
			return err
		}
		defer tracer.Close()
		cfg.Tracer = tracer
	}

	sw, err := aggswitch.Listen(cfg)
	if err != nil {
		return err
	}
	defer sw.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sw.Serve(ctx)
	})

	if fileCfg.Monitor.Addr != "" {
		listener, err := net.Listen("tcp", fileCfg.Monitor.Addr)
		if err != nil {
			stop()
			g.Wait()
			return err
		}
		m := monitor.New(sw, sw.Config(), logger)
		g.Go(func() error {
			return m.Serve(ctx, listener)
		})
		if open, _ := cmd.Flags().GetBool("open-monitor"); open {
			url := "http://" + listener.Addr().String() + "/api/stats"
			if err := browser.OpenURL(url); err != nil {
				logger.Warn().Err(err).Str("url", url).Msg("cannot open browser")
			}
		}
	}

	return g.Wait()
}

func applyServeFlags(cmd *cobra.Command, cfg *fileConfig) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Switch.Host, _ = f.GetString("host")
	}
	if f.Changed("base-port") {
		cfg.Switch.BasePort, _ = f.GetInt("base-port")
	}
	if f.Changed("listeners") {
		cfg.Switch.NumListeners, _ = f.GetInt("listeners")
	}
	if f.Changed("stragglers") {
		cfg.Switch.HandleStragglers, _ = f.GetBool("stragglers")
	}
	if f.Changed("round-timeout") {
		cfg.Switch.RoundTimeout, _ = f.GetDuration("round-timeout")
	}
	if f.Changed("poll-interval") {
		cfg.Switch.PollInterval, _ = f.GetDuration("poll-interval")
	}
	if f.Changed("drop-prob") {
		cfg.Switch.DropProbability, _ = f.GetFloat64("drop-prob")
	}
	if f.Changed("monitor") {
		cfg.Monitor.Addr, _ = f.GetString("monitor")
	}
	if f.Changed("trace") {
		cfg.Trace.Enabled, _ = f.GetBool("trace")
	}
	if f.Changed("trace-path") {
		cfg.Trace.Path, _ = f.GetString("trace-path")
		cfg.Trace.Enabled = true
	}
}
