// Command agentbridge serves the downstream session protocol over HTTP,
// bridging it to upstream agent CLI processes.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazelment/agentbridge/bridge"
	"github.com/bazelment/agentbridge/cliproc"
	"github.com/bazelment/agentbridge/config"
	"github.com/bazelment/agentbridge/ids"
	"github.com/bazelment/agentbridge/server"
	"github.com/bazelment/agentbridge/stream"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "agentbridge",
		Short: "Bridge agent CLI sessions to the session/message/part protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	transport := stream.NewTransport(cfg.EventBufferSize, cfg.KeepaliveInterval)
	runner := cliproc.NewRunner(cfg.AgentCommand)
	backend := bridge.NewBackend(ids.NewGenerator(), runner, transport, cliproc.GitDiff{})
	runner.Bind(backend)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.New(backend, transport),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("WARNING: http shutdown: %v", err)
	}
	transport.Shutdown()
	runner.Shutdown()
	return nil
}
