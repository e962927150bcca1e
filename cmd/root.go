package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/forgebuild/cachet/internal/client"
	"github.com/forgebuild/cachet/internal/config"
	"github.com/forgebuild/cachet/internal/version"
)

var rootCmd = &cobra.Command{
	Use:          "cachet <compiler> [compiler-args...]",
	Short:        "Shared compilation cache",
	Long:         `cachet wraps compiler invocations and serves previously compiled results from a local or remote cache.`,
	RunE:         runCompile,
	SilenceUsage: true,
	Args:         cobra.ArbitraryArgs,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)

	// Everything after the compiler name belongs to the compiler.
	rootCmd.Flags().SetInterspersed(false)

	rootCmd.PersistentFlags().String("cache-dir", "", "Local cache directory")
	rootCmd.PersistentFlags().String("cache-size", "", "Local cache size budget (e.g. 10GB)")
	rootCmd.PersistentFlags().String("backend", "", "Storage backend: disk, s3 or redis")
	rootCmd.PersistentFlags().Int("port", 0, "Coordinator port")
	rootCmd.PersistentFlags().Bool("read-only", false, "Serve hits but never store")
	rootCmd.PersistentFlags().Bool("disabled", false, "Bypass the cache entirely")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(zeroStatsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(stopCmd)
}

// loadConfig loads configuration for a command and applies the log level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.NewLoader().LoadAll(cmd)
	if err != nil {
		return nil, err
	}

	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	log.SetOutput(os.Stderr)

	return cfg, nil
}

func runCompile(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("requires a compiler command, e.g. cachet gcc -c foo.c")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	os.Exit(client.Run(cfg, args[0], args[1:]))
	return nil
}
