package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/unixpickle/switchagg/tracing"
)

var traceCmd = &cobra.Command{
	Use:   "trace [database]",
	Short: "Summarize a round trace recorded by `serve --trace`.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := tracing.ReadRounds(args[0])
		if err != nil {
			return err
		}
		s := tracing.Summarize(records)
		fmt.Printf("rounds:        %d\n", s.Rounds)
		fmt.Printf("expired:       %d\n", s.Expired)
		fmt.Printf("duplicates:    %d\n", s.Duplicates)
		fmt.Printf("mean duration: %v\n", s.MeanDuration)
		fmt.Printf("max duration:  %v\n", s.MaxDuration)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
}
