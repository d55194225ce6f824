package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/agent"
	"collabtext/internal/config"
	"collabtext/internal/logger"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "collab-agent",
		Short:   "CollabText agent",
		Long:    "Keeps a local replica of one file in sync with the server and serves it to the browser UI.",
		Version: version,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath, server, listen, file, user string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if server != "" {
				cfg.Agent.ServerAddr = server
			}
			if listen != "" {
				cfg.Agent.Listen = listen
			}
			if file != "" {
				cfg.Agent.File = file
			}
			if user != "" {
				cfg.Agent.Username = user
			}
			if cfg.Agent.Username == "" || cfg.Agent.File == "" {
				return errors.New("agent.username and agent.file are required")
			}
			log, closer, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := agent.New(cfg, log)
			httpSrv := &http.Server{
				Addr:              cfg.Agent.Listen,
				Handler:           a.Router(ctx),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Run(ctx) })
			g.Go(func() error {
				log.Info("CollabText agent is running", "addr", httpSrv.Addr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	cmd.Flags().StringVar(&server, "server", "", "server address; found over mDNS when empty")
	cmd.Flags().StringVar(&listen, "listen", "", "UI listen address (overrides agent.listen)")
	cmd.Flags().StringVar(&file, "file", "", "file to open, as name,owner")
	cmd.Flags().StringVar(&user, "user", "", "username (password from COLLAB_PASSWORD)")
	return cmd
}
