package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/fanrelay/fanrelay/internal/agent"
	"github.com/fanrelay/fanrelay/internal/cache"
	"github.com/fanrelay/fanrelay/internal/envelope"
	"github.com/fanrelay/fanrelay/internal/intercept"
	"github.com/fanrelay/fanrelay/internal/logging"
	"github.com/fanrelay/fanrelay/internal/relay"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the observation agent",
	Long: `Runs the local agent: opens the cache, starts the loopback bridge
for tab-side conduits, installs the in-process interceptor, and maintains
the persistent backend connection.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

// commandFanout delivers backend commands both to the in-process
// interceptor and to every bridged tab.
type commandFanout struct {
	interceptor *intercept.Interceptor
	bridge      *relay.Bridge
}

func (f *commandFanout) Broadcast(cmd envelope.Command) int {
	n := f.bridge.Broadcast(cmd)
	if err := f.interceptor.Execute(cmd); err != nil {
		logging.Errorf("[Agent] Local command execution failed: %v", err)
	} else {
		n++
	}
	return n
}

func runAgent(cmd *cobra.Command, args []string) error {
	if quiet {
		logging.Disable()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	a := agent.New(cfg, store, nil)

	bridge := relay.NewBridge(a.HandleEnvelope)
	defer bridge.Close()

	loop := relay.NewLoopback("local", a.HandleEnvelope)
	interceptor := intercept.New(cfg.Site.Origin, cfg.Site.WSPrefix, func(e envelope.Envelope) {
		loop.Send(e)
	})
	interceptor.SetClient(&http.Client{
		Transport: interceptor.Transport(nil),
		Timeout:   30 * time.Second,
	})
	interceptor.Install()

	a.SetCommandSink(&commandFanout{interceptor: interceptor, bridge: bridge})

	r := chi.NewRouter()
	r.Mount("/relay", bridge.Handler())
	r.Mount("/api", a.Handler())
	srv := &http.Server{Addr: cfg.Bridge.Addr, Handler: r}
	go func() {
		logging.Infof("[Agent] Bridge listening on %s", cfg.Bridge.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("[Agent] Bridge server error: %v", err)
		}
	}()

	a.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Infof("[Agent] Shutting down")
	a.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
