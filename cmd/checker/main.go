// Command checker runs the Consistency Checker against one run
// manifest, spec.md §4.9.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psi/sf-daq-broker/internal/checker"
)

func main() {
	var manifestPath string

	root := &cobra.Command{
		Use:   "checker",
		Short: "sf-daq-checker: validates a run's produced files against its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" {
				return fmt.Errorf("checker: --manifest is required")
			}
			results, err := checker.CheckRun(manifestPath)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(results); err != nil {
				return err
			}

			for _, r := range results {
				if !r.Check {
					os.Exit(1)
				}
			}
			return nil
		},
	}
	root.Flags().StringVar(&manifestPath, "manifest", "", "path to the run_NNNNNN.json manifest")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
