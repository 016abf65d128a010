package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanrelay/fanrelay/internal/hub"
	"github.com/fanrelay/fanrelay/internal/logging"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the backend hub",
	Long: `Runs the backend hub: the websocket endpoint agents and frontends
connect to, plus the HTTP command path routing instructions back toward
connected agents.`,
	RunE: runHub,
}

func init() {
	rootCmd.AddCommand(hubCmd)
}

func runHub(cmd *cobra.Command, args []string) error {
	if quiet {
		logging.Disable()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	h := hub.New(cfg.Hub)
	srv := &http.Server{Addr: cfg.Hub.Addr, Handler: h.Handler()}

	go func() {
		logging.Infof("[Hub] Listening on %s", cfg.Hub.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("[Hub] Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Infof("[Hub] Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
