package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forgebuild/cachet/internal/client"
	"github.com/forgebuild/cachet/internal/protocol"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		c, err := client.DialOrSpawn(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		stats, err := c.GetStats()
		if err != nil {
			return err
		}

		printStats(os.Stdout, stats)
		return nil
	},
}

var zeroStatsCmd = &cobra.Command{
	Use:   "zero-stats",
	Short: "Reset the coordinator's counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		c, err := client.DialOrSpawn(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.ZeroStats(); err != nil {
			return err
		}
		fmt.Println("Statistics zeroed.")
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry from the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		c, err := client.DialOrSpawn(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Clear(); err != nil {
			return err
		}
		fmt.Println("Cache cleared.")
		return nil
	},
}

const timeSavedPrecision = 10 * time.Millisecond

func printStats(out io.Writer, s *protocol.Stats) {
	requests := s.Hits + s.Misses

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Compile requests\t%d\n", requests)
	fmt.Fprintf(w, "Cache hits\t%d\n", s.Hits)
	fmt.Fprintf(w, "Cache misses\t%d\n", s.Misses)
	if requests > 0 {
		fmt.Fprintf(w, "Hit rate\t%.2f%%\n", float64(s.Hits)/float64(requests)*100)
	}
	fmt.Fprintf(w, "Uncacheable requests\t%d\n", s.Unhandled)
	fmt.Fprintf(w, "Failed compilations\t%d\n", s.CompileFailures)
	fmt.Fprintf(w, "Storage errors\t%d\n", s.StoreErrors)
	fmt.Fprintf(w, "Evictions\t%d\n", s.Evictions)
	fmt.Fprintf(w, "Time saved\t%s\n", s.TimeSaved.Round(timeSavedPrecision))
	fmt.Fprintf(w, "Cache location\t%s\n", s.CacheLocation)
	fmt.Fprintf(w, "Cache size\t%s / %s\n",
		humanize.Bytes(uint64(s.CacheSize)), humanize.Bytes(uint64(s.MaxCacheSize)))
	w.Flush()
}
