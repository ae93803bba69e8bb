// Command chatrelay runs a chat relay node and talks to a running node over
// its control socket.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/cluster"
	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/server"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Clustered chat relay: line protocol, websocket and REST front ends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		initLog(cfg.LogLevel, cfg.LogFile)
		return serve(cfg)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("control-socket", "/tmp/chatrelay.sock", "control socket path")
	viper.BindPFlag("control_socket", rootCmd.PersistentFlags().Lookup("control-socket"))

	flags := serveCmd.Flags()
	flags.IntP("port", "p", 3215, "line protocol TCP port")
	flags.String("http-addr", ":8080", "HTTP listen address")
	flags.String("backend", "memory", "shared backends: memory or nats")
	flags.String("nats-url", "nats://localhost:4222", "NATS server URL")
	flags.String("db-driver", "sqlite3", "database driver: sqlite3 or pgx")
	flags.String("db-dsn", "chatrelay.db", "database DSN")
	flags.String("node-id", "", "node id, random when empty")
	flags.String("log-level", "info", "trace, debug, info, warn or error")
	for _, name := range []string{"port", "http-addr", "backend", "nats-url", "db-driver", "db-dsn", "node-id", "log-level"} {
		viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	rootCmd.Flags().AddFlagSet(flags)
	rootCmd.AddCommand(serveCmd, statsCmd, shutdownCmd)
}

// initConfig loads .env into the environment, then the config file if one
// was given. Environment variables override the file.
func initConfig() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		jww.WARN.Printf("Loading .env: %v", err)
	}

	config.SetDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			jww.FATAL.Panicf("Reading config %s: %v", cfgFile, err)
		}
	}
}

func initLog(level, logPath string) {
	if logPath != "" && logPath != "-" {
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	threshold := jww.LevelInfo
	switch strings.ToLower(level) {
	case "trace":
		threshold = jww.LevelTrace
	case "debug":
		threshold = jww.LevelDebug
	case "warn":
		threshold = jww.LevelWarn
	case "error":
		threshold = jww.LevelError
	}
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	if threshold < jww.LevelInfo {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.INFO.Printf("log level set to: %s", strings.ToUpper(level))
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close()

	backends, err := cluster.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()

	srv := server.New(database, &server.Config{
		NodeID:       cfg.NodeID,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		JWTSecret:    cfg.JWTSecret,
		TokenTTL:     cfg.TokenTTL,
		ConsumerRate: cfg.ConsumerRate,
	}, backends)
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     srv.Router(cfg.AllowedOrigins),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		jww.INFO.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	go func() {
		if err := srv.Start(ctx); err != nil {
			errs <- err
		}
	}()

	shutdown := make(chan shutdownRequest, 1)
	go startControlSocket(cfg.ControlSocket, srv, shutdown)
	defer os.Remove(cfg.ControlSocket)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	req := shutdownRequest{reason: "maintenance"}
	select {
	case err := <-errs:
		jww.ERROR.Printf("Server error: %v", err)
	case sig := <-sigChan:
		jww.INFO.Printf("Received signal %v, shutting down...", sig)
	case req = <-shutdown:
		jww.INFO.Printf("Shutdown requested: reason=%s, completion=%v", req.reason, req.completion)
	}

	srv.Shutdown(req.reason, req.completion)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		jww.WARN.Printf("HTTP server shutdown: %v", err)
	}
	cancel()
	jww.INFO.Printf("Shutdown complete")
	return nil
}
