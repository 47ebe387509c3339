package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/switchagg/aggswitch"
	"github.com/unixpickle/switchagg/worker"
	"golang.org/x/sync/errgroup"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark aggregation over loopback.",
	Long: "`bench` runs a switch and several workers in this process and " +
		"prints a Markdown table of aggregation times.",
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	f := benchCmd.Flags()
	f.IntSlice("workers", []int{1, 2, 4}, "worker counts")
	f.IntSlice("sizes", []int{1000, 100000, 1000000}, "vector sizes")
	f.IntSlice("threads", []int{1, 4}, "threads per worker")
	f.Int("chunk-size", worker.DefaultChunkSize, "elements per chunk")
	f.Int("repeat", 3, "aggregations per cell")
	rootCmd.AddCommand(benchCmd)
}

// BenchRun describes one cell of the benchmark table.
type BenchRun struct {
	NumWorkers int
	NumThreads int
	Size       int
}

// Run aggregates a vector of zeros on every worker and
// returns the slowest worker's time.
func (b *BenchRun) Run(ctx context.Context, addrs []string, chunkSize int) time.Duration {
	clients := make([]*worker.Client, b.NumWorkers)
	for i := range clients {
		cfg := worker.DefaultConfig()
		cfg.Rank = i
		cfg.WorldSize = b.NumWorkers
		cfg.ChunkSize = chunkSize
		cfg.NumThreads = b.NumThreads
		cfg.SwitchAddrs = addrs[:b.NumThreads]
		cfg.ReceiveTimeout = 10 * time.Second
		cfg.Logger = logger
		var err error
		clients[i], err = worker.NewClient(cfg)
		essentials.Must(err)
	}

	start := time.Now()
	var g errgroup.Group
	for _, client := range clients {
		client := client
		g.Go(func() error {
			return client.Aggregate(ctx, make([]float32, b.Size))
		})
	}
	essentials.Must(g.Wait())
	return time.Since(start)
}

func runBench(cmd *cobra.Command, args []string) error {
	workerCounts, _ := cmd.Flags().GetIntSlice("workers")
	sizes, _ := cmd.Flags().GetIntSlice("sizes")
	threadCounts, _ := cmd.Flags().GetIntSlice("threads")
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	repeat, _ := cmd.Flags().GetInt("repeat")

	maxThreads := 1
	for _, n := range threadCounts {
		maxThreads = max(maxThreads, n)
	}
	swCfg := aggswitch.DefaultConfig()
	swCfg.Host = "127.0.0.1"
	swCfg.BasePort = 0
	swCfg.NumListeners = maxThreads
	swCfg.Logger = logger
	sw, err := aggswitch.Listen(swCfg)
	if err != nil {
		return err
	}
	defer sw.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	done := make(chan error, 1)
	go func() {
		done <- sw.Serve(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Markdown table header.
	fmt.Print("| Workers | Size ")
	for _, threads := range threadCounts {
		fmt.Printf("| %d threads ", threads)
	}
	fmt.Println("|")
	for i := 0; i < 2+len(threadCounts); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, numWorkers := range workerCounts {
		for _, size := range sizes {
			fmt.Printf("| %d | %d ", numWorkers, size)
			for _, threads := range threadCounts {
				run := BenchRun{NumWorkers: numWorkers, NumThreads: threads, Size: size}
				var total time.Duration
				for i := 0; i < repeat; i++ {
					total += run.Run(ctx, sw.Addrs(), chunkSize)
				}
				fmt.Printf("| %v ", (total / time.Duration(max(repeat, 1))).Round(time.Microsecond))
			}
			fmt.Println("|")
		}
	}
	return nil
}
