package commands

import (
	"fmt"
	"os"

	"github.com/gloworm-vision/depthcam/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	v       = config.New()
	rootCmd = &cobra.Command{
		Use:   "depthcam",
		Short: "depthcam - depth camera capture service",
		Long: `depthcam streams depth, infrared and color frames from a depth camera,
lets an operator switch streams, resolutions and devices while capturing,
and saves snapshots as PNG images and PLY point clouds.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("backend", "", "camera backend (sim, librealsense)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON")
	rootCmd.PersistentFlags().String("history-dir", "", "directory captures are written to (default history)")

	v.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("log-json"))
	v.BindPFlag("history_dir", rootCmd.PersistentFlags().Lookup("history-dir"))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
