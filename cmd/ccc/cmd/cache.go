package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"computecannon/internal/engines"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the download cache",
	Long:  `Remote outputs and inputs are downloaded into a cache directory on first use.`,
}

var cachePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the cache directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cache, err := engines.Cache(cfg)
		if err != nil {
			return err
		}
		cmd.Println(cache.Path())
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached files older than --max-age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cache, err := engines.Cache(cfg)
		if err != nil {
			return err
		}
		maxAge, _ := cmd.Flags().GetDuration("max-age")
		n, err := cache.Prune(maxAge)
		if err != nil {
			return err
		}
		cmd.Printf("Removed %d cached file(s) from %s.\n", n, cache.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cachePathCmd)
	cacheCmd.AddCommand(cachePruneCmd)

	cachePruneCmd.Flags().Duration("max-age", 7*24*time.Hour, "remove files older than this")
}
