package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/unixpickle/switchagg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Aggregate a synthetic vector through a switch.",
	Long: "`worker` fills a vector with a constant, aggregates it with the " +
		"other workers of the job, and prints a summary of the result.",
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.Int("rank", 0, "rank of this worker")
	f.Int("world-size", 0, "number of workers")
	f.Int("length", 1024, "vector length")
	f.Float32("fill", 0, "value of every element (default: rank+1)")
	f.Int("chunk-size", 0, "elements per chunk")
	f.Int("threads", 0, "parallel sockets")
	f.String("switch-host", "", "switch address")
	f.Int("base-port", 0, "port of the first switch listener")
	f.Int32("quant-type", 0, "quantization type (0 none, 1 fixed point, 2 min-max)")
	f.Int32("bit-width", 0, "quantized element width")
	f.Bool("skip-averaging", false, "return sums instead of averages")
	f.Duration("timeout", 0, "receive timeout per chunk (0 waits forever)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	fileCfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	applyWorkerFlags(cmd, fileCfg)
	cfg := fileCfg.Worker
	cfg.Logger = logger

	client, err := worker.NewClient(cfg)
	if err != nil {
		return err
	}

	length, _ := cmd.Flags().GetInt("length")
	fill := float32(cfg.Rank + 1)
	if cmd.Flags().Changed("fill") {
		fill, _ = cmd.Flags().GetFloat32("fill")
	}
	data := make([]float32, length)
	for i := range data {
		data[i] = fill
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	start := time.Now()
	if err := client.Aggregate(ctx, data); err != nil {
		return err
	}
	elapsed := time.Since(start)

	var sum float64
	minVal, maxVal := float32(0), float32(0)
	for i, x := range data {
		sum += float64(x)
		if i == 0 || x < minVal {
			minVal = x
		}
		if i == 0 || x > maxVal {
			maxVal = x
		}
	}
	mean := 0.0
	if length > 0 {
		mean = sum / float64(length)
	}
	fmt.Printf("rank %d/%d: %d elements in %v (mean %f, min %f, max %f)\n",
		cfg.Rank, cfg.WorldSize, length, elapsed, mean, minVal, maxVal)
	return nil
}

func applyWorkerFlags(cmd *cobra.Command, cfg *fileConfig) {
	f := cmd.Flags()
	if f.Changed("rank") {
		cfg.Worker.Rank, _ = f.GetInt("rank")
	}
	if f.Changed("world-size") {
		cfg.Worker.WorldSize, _ = f.GetInt("world-size")
	}
	if f.Changed("chunk-size") {
		cfg.Worker.ChunkSize, _ = f.GetInt("chunk-size")
	}
	if f.Changed("threads") {
		cfg.Worker.NumThreads, _ = f.GetInt("threads")
	}
	if f.Changed("switch-host") {
		cfg.Worker.SwitchHost, _ = f.GetString("switch-host")
	}
	if f.Changed("base-port") {
		cfg.Worker.BasePort, _ = f.GetInt("base-port")
	}
	if f.Changed("quant-type") {
		cfg.Worker.Quant.Type, _ = f.GetInt32("quant-type")
	}
	if f.Changed("bit-width") {
		cfg.Worker.Quant.BitWidth, _ = f.GetInt32("bit-width")
	}
	if f.Changed("skip-averaging") {
		cfg.Worker.SkipAveraging, _ = f.GetBool("skip-averaging")
	}
	if f.Changed("timeout") {
		cfg.Worker.ReceiveTimeout, _ = f.GetDuration("timeout")
	}
}
