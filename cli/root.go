// Package cli provides the hub's command-line entry point: a cobra
// command tree (serve, compact, version) over viper-backed
// configuration — persistent flags, a searched config file, and
// automatic environment variable binding.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	bolt "go.etcd.io/bbolt"

	"obshub.dev/hub/api"
	"obshub.dev/hub/bridge"
	"obshub.dev/hub/eventbus"
	obshttp "obshub.dev/hub/http"
	"obshub.dev/hub/hub"
	"obshub.dev/hub/obslog"
	"obshub.dev/hub/resthandler"
	"obshub.dev/hub/version"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. When empty, initConfig searches $HOME and "." for
// ".obshub.yaml".
var cfgFile string

// RootCmd is the hub's top-level command.
var RootCmd = &cobra.Command{
	Use:   "obshub",
	Short: "a sensor/observation hub: ingest, store, and query time-indexed observations",
	Long: `obshub

An embedded-storage sensor/observation hub providing:
- Versioned system, feature-of-interest, and data-stream metadata
- A time-series-indexed observation store over an embedded KV engine
- A topic-addressed event bus bridging live producer events into durable storage
- A filtered REST query surface with live subscription streaming

Configuration can be provided via command-line flags, environment
variables (prefixed OBSHUB_), or a YAML configuration file.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.obshub.yaml)")
	RootCmd.PersistentFlags().String("storage-path", "./obshub.db", "embedded KV store file path")
	RootCmd.PersistentFlags().Int64("cache-bytes", 64<<20, "memory cache size in bytes")
	RootCmd.PersistentFlags().Int64("autocommit-buffer-bytes", 4<<20, "dirty-byte buffer threshold that triggers an auto-commit")
	RootCmd.PersistentFlags().Duration("autocommit-period", 5*time.Second, "elapsed-time threshold that triggers an auto-commit")
	RootCmd.PersistentFlags().Bool("compression", false, "enable KV page compression")
	RootCmd.PersistentFlags().Bool("read-only", false, "open the store read-only")
	RootCmd.PersistentFlags().Int("database-number", 0, "database registration number")
	RootCmd.PersistentFlags().String("id-salt", "obshub-default-salt", "external-ID scrambling salt")
	RootCmd.PersistentFlags().String("bind-address", ":8282", "REST server bind address")
	RootCmd.PersistentFlags().String("api-key", "", "required X-API-Key header value for mutating requests (empty disables the check)")
	RootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	RootCmd.PersistentFlags().String("redis-url", "", "optional Redis URL for shared event-bus dropped-count counters")

	viper.BindPFlag("storage.path", RootCmd.PersistentFlags().Lookup("storage-path"))
	viper.BindPFlag("storage.cache_bytes", RootCmd.PersistentFlags().Lookup("cache-bytes"))
	viper.BindPFlag("storage.autocommit_buffer_bytes", RootCmd.PersistentFlags().Lookup("autocommit-buffer-bytes"))
	viper.BindPFlag("storage.autocommit_period", RootCmd.PersistentFlags().Lookup("autocommit-period"))
	viper.BindPFlag("storage.compression", RootCmd.PersistentFlags().Lookup("compression"))
	viper.BindPFlag("storage.read_only", RootCmd.PersistentFlags().Lookup("read-only"))
	viper.BindPFlag("storage.database_number", RootCmd.PersistentFlags().Lookup("database-number"))
	viper.BindPFlag("storage.id_salt", RootCmd.PersistentFlags().Lookup("id-salt"))
	viper.BindPFlag("server.bind_address", RootCmd.PersistentFlags().Lookup("bind-address"))
	viper.BindPFlag("server.api_key", RootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("eventbus.redis_url", RootCmd.PersistentFlags().Lookup("redis-url"))

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(compactCmd)
	RootCmd.AddCommand(versionCmd)
}

// initConfig wires viper's config-file search path and environment
// variable mapping.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".obshub")
	}

	viper.SetEnvPrefix("OBSHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// hubConfigFromViper assembles hub.Config from the bound viper keys.
func hubConfigFromViper() hub.Config {
	return hub.Config{
		StoragePath:           viper.GetString("storage.path"),
		ReadOnly:              viper.GetBool("storage.read_only"),
		AutoCommitPeriod:      viper.GetDuration("storage.autocommit_period"),
		AutoCommitBufferBytes: viper.GetInt64("storage.autocommit_buffer_bytes"),
		ExternalIDSalt:        viper.GetString("storage.id_salt"),
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the REST server and event bus over the observation store",
	Run:   runServe,
}

// runServe opens the hub facade, wires the event bus and persistence
// bridge, mounts the REST resource handlers, and serves until an
// interrupt or SIGTERM is received — the same lifecycle shape as the
// teacher's runServer, re-pointed at this module's own services.
func runServe(cmd *cobra.Command, args []string) {
	obslog.SetLevel(viper.GetString("log.level"))
	log := obslog.Component("cli")

	h, err := hub.Open(hubConfigFromViper())
	if err != nil {
		log.WithError(err).Fatal("open hub store")
	}
	defer h.Close()

	var counters eventbus.Counters
	if url := viper.GetString("eventbus.redis_url"); url != "" {
		rc, rcErr := eventbus.NewRedisCounters(url, "obshub", time.Hour)
		if rcErr != nil {
			log.WithError(rcErr).Fatal("connect event bus redis counters")
		}
		counters = rc
	}
	bus := eventbus.New(counters)

	brg := bridge.New(h, bus)
	events := make(chan any)
	defer close(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if runErr := brg.Run(ctx, events); runErr != nil && runErr != context.Canceled {
			log.WithError(runErr).Warn("persistence bridge stopped")
		}
	}()

	serverCfg := obshttp.DefaultServerConfig()
	serverCfg.Debug = viper.GetBool("server.debug")
	e := obshttp.NewEchoServer(serverCfg)
	e.HTTPErrorHandler = obshttp.CustomHTTPErrorHandler

	build := version.GetBuildInfo()
	e.GET("/health", obshttp.HealthCheckHandlerWithDetails("obshub", build.MainVersion, func() map[string]interface{} {
		st := h.Stats()
		return map[string]interface{}{
			"fileSizeBytes": st.FileSizeBytes,
			"lastCommit":    st.LastCommit,
			"dirtyBytes":    st.DirtyBytes,
		}
	}))

	if apiKey := viper.GetString("server.api_key"); apiKey != "" {
		requireKey := api.APIKeyAuth(apiKey)
		e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			guarded := requireKey(next)
			return func(c echo.Context) error {
				switch c.Request().Method {
				case http.MethodGet, http.MethodHead, http.MethodOptions:
					return next(c)
				}
				return guarded(c)
			}
		})
	}

	resthandler.Mount(e, "/api", h, bus, h.Codec)

	addr := viper.GetString("server.bind_address")
	go func() {
		log.WithField("address", addr).Info("serving REST API")
		if startErr := e.Start(addr); startErr != nil {
			log.WithError(startErr).Info("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()
	if shutdownErr := obshttp.GracefulShutdown(e, 10*time.Second); shutdownErr != nil {
		log.WithError(shutdownErr).Error("graceful shutdown")
	}
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "compact the embedded KV store file in place",
	Run:   runCompact,
}

// runCompact sweeps every tombstoned system and feature of interest
// for one last reclaim attempt, then rewrites the store file into a
// fresh file via bbolt's copying compactor and swaps it into place —
// an offline maintenance operation, never run against a live-serving
// instance.
func runCompact(cmd *cobra.Command, args []string) {
	log := obslog.Component("cli")
	path := viper.GetString("storage.path")
	tmpPath := path + ".compact"

	h, err := hub.Open(hub.Config{StoragePath: path, ExternalIDSalt: viper.GetString("storage.id_salt")})
	if err != nil {
		log.WithError(err).Fatal("open store for tombstone sweep")
	}
	if err := h.SweepTombstones(); err != nil {
		log.WithError(err).Warn("tombstone sweep failed, continuing with compaction")
	}
	if err := h.Close(); err != nil {
		log.WithError(err).Fatal("close store after tombstone sweep")
	}

	src, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		log.WithError(err).Fatal("open source store")
	}
	defer src.Close()

	dst, err := bolt.Open(tmpPath, 0600, nil)
	if err != nil {
		log.WithError(err).Fatal("open compaction target")
	}

	if err := bolt.Compact(dst, src, 0); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		log.WithError(err).Fatal("compact store")
	}
	dst.Close()
	src.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		log.WithError(err).Fatal("install compacted store")
	}
	log.WithField("path", path).Info("compaction complete")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build and dependency information",
	Run: func(cmd *cobra.Command, args []string) {
		build := version.GetBuildInfo()
		fmt.Printf("obshub %s (go %s)\n", build.MainVersion, build.GoVersion)
	},
}

// Execute runs the root command, exiting the process on error.
func Execute() error {
	return RootCmd.Execute()
}
