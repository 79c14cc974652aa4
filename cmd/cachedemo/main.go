package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentuity/go-resultcache/config"
	"github.com/agentuity/go-resultcache/logger"
	"github.com/agentuity/go-resultcache/telemetry"
	"github.com/spf13/cobra"
)

func newLogger(cmd *cobra.Command) logger.Logger {
	level := logger.GetLevelFromEnv()
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = logger.ParseLevel(v, level)
	}
	return logger.NewConsoleLogger(level)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

var rootCmd = &cobra.Command{
	Use:          "cachedemo",
	Short:        "Example HTTP API backed by the result cache",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the example API",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if otlpURL, _ := cmd.Flags().GetString("otlp-url"); otlpURL != "" {
			token, _ := cmd.Flags().GetString("otlp-token")
			shutdown, err := telemetry.New(ctx, otlpURL, token, "cachedemo", log)
			if err != nil {
				return err
			}
			defer shutdown()
		}

		reg, closer, err := cfg.Registry(ctx, log.WithPrefix("[cache]"))
		if err != nil {
			return err
		}
		defer closer.Close()

		expire, _ := cmd.Flags().GetDuration("expire")
		if !cmd.Flags().Changed("expire") && cfg.DefaultExpire > 0 {
			expire = cfg.DefaultExpire.Duration()
		}
		cost, _ := cmd.Flags().GetDuration("compute-cost")
		addr, _ := cmd.Flags().GetString("addr")

		s := &server{reg: reg, log: log, expire: expire, computeCost: cost}
		srv := &http.Server{
			Addr:              addr,
			Handler:           s.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errs := make(chan error, 1)
		go func() {
			log.Info("listening on %s using the %s driver", addr, cfg.Driver)
			errs <- srv.ListenAndServe()
		}()

		select {
		case err := <-errs:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		case <-ctx.Done():
		}
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached entries by namespace or key",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		reg, closer, err := cfg.Registry(cmd.Context(), log)
		if err != nil {
			return err
		}
		defer closer.Close()

		namespace, _ := cmd.Flags().GetString("namespace")
		key, _ := cmd.Flags().GetString("key")
		n, err := reg.Clear(cmd.Context(), namespace, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().Duration("expire", time.Minute, "TTL of cached responses")
	serveCmd.Flags().String("otlp-url", "", "OTLP/HTTP collector to export traces to")
	serveCmd.Flags().String("otlp-token", "", "bearer token for the OTLP collector")
	serveCmd.Flags().Duration("compute-cost", 200*time.Millisecond, "simulated cost of computing an item")

	clearCmd.Flags().String("namespace", "", "namespace to clear")
	clearCmd.Flags().String("key", "", "exact key to clear")

	rootCmd.AddCommand(serveCmd, clearCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
