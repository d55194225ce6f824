package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/logger"
	"collabtext/internal/registry"
	"collabtext/internal/relay"
	"collabtext/internal/server"
	"collabtext/internal/store"
	"collabtext/internal/wire"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "collab-server",
		Short:   "CollabText sync server",
		Long:    "Routes document operations between replicas and persists file snapshots.",
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
	var configPath, addr, httpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if httpAddr != "" {
				cfg.Server.HTTPAddr = httpAddr
			}
			log, closer, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "TCP listen address (overrides server.addr)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides server.http_addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	st, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	log.Info("store opened", "driver", cfg.Store.Driver)

	limits := wire.Limits{MaxJSON: cfg.Server.MaxFrameBytes, MaxBlob: cfg.Server.MaxBlobBytes}
	var rl *relay.Relay
	if cfg.Relay.RedisAddr != "" {
		node := cfg.Relay.Node
		if node == "" {
			host, _ := os.Hostname()
			node = host + "-" + uuid.NewString()[:8]
		}
		rl, err = relay.Dial(ctx, cfg.Relay.RedisAddr, cfg.Relay.ChannelPrefix, node, limits, log)
		if err != nil {
			return fmt.Errorf("connect relay: %w", err)
		}
		defer rl.Close()
		log.Info("relay connected", "redis", cfg.Relay.RedisAddr, "node", node)
	}

	var reg *registry.Registry
	if rl != nil {
		reg = registry.New(st, rl, log)
	} else {
		reg = registry.New(st, nil, log)
	}
	srv := server.New(cfg.Server, st, reg, log)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	if cfg.Server.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load tls key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	}
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	srv.Start(ctx)
	g.Go(func() error { return srv.Serve(ctx, ln) })
	g.Go(func() error {
		log.Info("http listening", "addr", httpSrv.Addr)
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
	g.Go(func() error {
		return registry.NewCoalescer(reg, cfg.Persist.Interval, log).Run(ctx)
	})
	if rl != nil {
		g.Go(func() error { return rl.Run(ctx, reg.ApplyRemote) })
	}
	if cfg.Discovery.Enabled {
		g.Go(func() error {
			port, err := listenPort(ln.Addr())
			if err != nil {
				return err
			}
			if err := discovery.Advertise(ctx, cfg.Discovery, port, log); err != nil {
				log.Warn("mDNS disabled", "err", err)
			}
			return nil
		})
	}

	err = g.Wait()
	srv.Wait()
	log.Info("server stopped")
	return err
}

func listenPort(addr net.Addr) (int, error) {
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
