package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgebuild/cachet/internal/client"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		c, err := client.Dial(cfg.Port, 2*time.Second)
		if err != nil {
			fmt.Println("No coordinator running.")
			return nil
		}
		defer c.Close()

		stats, err := c.Shutdown()
		if err != nil {
			return err
		}

		fmt.Println("Coordinator stopped. Final statistics:")
		printStats(os.Stdout, stats)
		return nil
	},
}
