// Command apibuddy is a local-host caching HTTP proxy for read-mostly
// reference APIs: it authenticates, checks its cache, throttles on
// miss, fetches upstream, and caches the result.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "apibuddy",
		Short: "Local-host caching proxy for read-mostly reference APIs",
		Long: `apibuddy sits in front of slow-changing upstream APIs and caches
their responses, so repeated reads don't burn rate-limit budget or round-trip
latency.

It supports:
  - Content-addressed response caching with configurable TTL per domain alias
  - Per-domain sliding-window rate limiting with progressive back-off
  - Optional shared-key authentication
  - A Unix-socket admin API for status, cache clearing, and shutdown`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newDaemonCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
