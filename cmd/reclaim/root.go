package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
	pretty     bool

	rootCmd = &cobra.Command{
		Use:   "reclaim",
		Short: "Leaked resource garbage collector",
		Long: `reclaim - leaked resource garbage collector

reclaim finds test sessions and cloud resource groups that outlived the
experiments that created them, and launches a remediation experiment for
each one that is safe to clean up.

It never deletes anything itself. Sessions still attached to a physical
node are reported but left alone.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`reclaim {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "reclaim.toml", "Path to the TOML config file")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human-readable console logs")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reclaim %s\n", version)
		},
	})
}
