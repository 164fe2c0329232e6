package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gloworm-vision/depthcam/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the depthcam server",
	Long: `Start the HTTP server. It restores the last saved stream settings,
restarts the pipeline with them, and serves the operator API, a colorized
MJPEG stream per stream kind and a websocket feed of pipeline state.`,
	Example: `  # Serve the simulated camera on :8080
  depthcam serve

  # Serve a real camera with settings kept in badger
  depthcam serve --backend librealsense --store-engine badger --store-path /var/lib/depthcam`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	serveCmd.Flags().String("store-engine", "", "settings store engine (bbolt, badger)")
	serveCmd.Flags().String("store-path", "", "settings store path")

	v.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	v.BindPFlag("store.engine", serveCmd.Flags().Lookup("store-engine"))
	v.BindPFlag("store.path", serveCmd.Flags().Lookup("store-path"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	vw, st, err := a.viewer()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := vw.Init(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("unable to start pipeline with saved settings")
	}
	a.logger.WithField("state", out.State.String()).WithField("device", out.Settings.Device).Info("settings restored")

	s := &server.Server{
		Addr:            a.config.Addr,
		Viewer:          vw,
		Pipeline:        a.controller,
		Logger:          a.logger,
		DisplayInterval: a.config.Display.Interval,
	}

	return s.Run(ctx)
}
