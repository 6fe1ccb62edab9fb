package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thunderblok/thunderline-sub015/pkg/cluster"
	"github.com/Thunderblok/thunderline-sub015/pkg/engine"
	"github.com/Thunderblok/thunderline-sub015/pkg/supervisor"
)

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Benchmark an algorithm on an ephemeral cluster",
	Long: `Start a throwaway cluster, drive it through ten timed generations and
print the resulting record as JSON. The cluster is torn down afterwards
regardless of outcome.`,
	RunE: runBenchmark,
}

var (
	benchDims      []int
	benchAlgorithm string
	benchDensity   float64
	benchTimeout   time.Duration
)

func init() {
	benchmarkCmd.Flags().IntSliceVar(&benchDims, "dims", []int{5, 5, 5}, "Grid dimensions as x,y,z")
	benchmarkCmd.Flags().StringVarP(&benchAlgorithm, "algorithm", "a", "standard", "Rule preset to benchmark")
	benchmarkCmd.Flags().Float64Var(&benchDensity, "density", 0.2, "Initial alive density")
	benchmarkCmd.Flags().DurationVar(&benchTimeout, "timeout", time.Minute, "Overall benchmark deadline")

	rootCmd.AddCommand(benchmarkCmd)
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	if len(benchDims) != 3 {
		return fmt.Errorf("--dims needs exactly three values, got %d", len(benchDims))
	}

	sup := supervisor.New(supervisor.Config{})
	defer sup.Shutdown()
	mgr := engine.NewManager(engine.NewSupervisorControl(sup))

	rules, err := mgr.Algorithm(benchAlgorithm)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), benchTimeout)
	defer cancel()

	rec, err := mgr.BenchmarkPerformance(ctx, cluster.Config{
		Name:           "benchmark",
		DimX:           benchDims[0],
		DimY:           benchDims[1],
		DimZ:           benchDims[2],
		Rules:          rules,
		TickInterval:   time.Hour, // generations are driven by the benchmark, not the timer
		InitialDensity: benchDensity,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
