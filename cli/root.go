// Package cli provides the command-line interface for the TSDS receiver.
// It wires configuration, logging, and the worker supervisor together and
// manages the process lifecycle from startup through graceful shutdown.
//
// Configuration sources compose in the usual precedence order:
//  1. Environment variables (TSDS_ prefix)
//  2. The XML configuration file named by --config
//  3. Built-in defaults
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GlobalNOC/tsds-services/cache"
	"github.com/GlobalNOC/tsds-services/common"
	"github.com/GlobalNOC/tsds-services/config"
	"github.com/GlobalNOC/tsds-services/db"
	"github.com/GlobalNOC/tsds-services/queue"
	"github.com/GlobalNOC/tsds-services/receiver"
)

// cfgFile holds the path to the configuration file specified via
// command-line flag.
var cfgFile string

// nofork keeps the process in the foreground. Daemonization is left to the
// init system; the flag is accepted for compatibility with existing service
// scripts and currently both modes run in the foreground.
var nofork bool

// logLevel selects the minimum log level.
var logLevel string

// RootCmd defines the main CLI command for the TSDS receiver.
var RootCmd = &cobra.Command{
	Use:   "tsds-receiver",
	Short: "consumes measurement and event records from RabbitMQ and folds them into MongoDB",
	Long: `TSDS Receiver

The ingest core of the TSDS time-series data store. A pool of workers
consumes record batches from a shared RabbitMQ queue, validates and
identifies each measurement, and bulk-upserts fragmented time-series
documents into MongoDB, with memcached fronting document-existence
decisions. Event records fold into a parallel day-bucket structure.

Configuration comes from the deployed XML file (--config), with endpoint
overrides available from TSDS_-prefixed environment variables.`,
	RunE:          runReceiver,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// init sets up flags and binds the environment override keys.
func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigFile, "config file")
	RootCmd.PersistentFlags().BoolVar(&nofork, "nofork", false, "dont fork as daemon process")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")

	viper.SetEnvPrefix("TSDS")
	viper.AutomaticEnv()

	// endpoint overrides, e.g. TSDS_MONGO_HOST
	for _, key := range []string{
		"mongo_host", "mongo_port",
		"memcache_host", "memcache_port", "memcache_driver",
		"rabbit_host", "rabbit_port", "rabbit_queue",
	} {
		viper.BindEnv(key)
	}
}

// applyOverrides layers environment values over the loaded file.
func applyOverrides(cfg *config.Config) {
	if v := viper.GetString("mongo_host"); v != "" {
		cfg.Mongo.Host = v
	}
	if v := viper.GetInt("mongo_port"); v != 0 {
		cfg.Mongo.Port = v
	}
	if v := viper.GetString("memcache_host"); v != "" {
		cfg.Memcache.Host = v
	}
	if v := viper.GetInt("memcache_port"); v != 0 {
		cfg.Memcache.Port = v
	}
	if v := viper.GetString("memcache_driver"); v != "" {
		cfg.Memcache.Driver = v
	}
	if v := viper.GetString("rabbit_host"); v != "" {
		cfg.Rabbit.Host = v
	}
	if v := viper.GetInt("rabbit_port"); v != 0 {
		cfg.Rabbit.Port = v
	}
	if v := viper.GetString("rabbit_queue"); v != "" {
		cfg.Rabbit.Queue = v
	}
}

// runReceiver loads configuration, connects the shared pieces, and runs the
// worker supervisor until a shutdown signal arrives. Startup failures return
// an error so the process exits nonzero; a clean shutdown exits zero.
func runReceiver(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	loggerConfig := common.DefaultLoggerConfig()
	loggerConfig.Level = common.LogLevel(logLevel)
	logger := common.NewLogger(loggerConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Port != 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Infof("Serving metrics on %s", addr)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				logger.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	registry := receiver.NewSchemaRegistry(cfg.IgnoreDatabases.Databases, logger)

	supervisor := receiver.NewSupervisor(receiver.SupervisorConfig{
		NumWorkers: cfg.NumProcesses,
		PIDFile:    cfg.PIDFile,
		Registry:   registry,
		Log:        logger,

		NewStore: func() (receiver.Store, error) {
			return db.Connect(ctx, cfg.Mongo.Host, cfg.Mongo.Port)
		},
		NewCache: func() (cache.DocumentCache, error) {
			if cfg.Memcache.Driver == "redis" {
				return cache.NewRedisCache(cfg.Memcache.Host, cfg.Memcache.Port), nil
			}
			return cache.NewMemcacheCache(cfg.Memcache.Host, cfg.Memcache.Port), nil
		},
		NewConsumer: func() (receiver.Consumer, error) {
			return queue.NewConsumer(queue.ConsumerConfig{
				Host:     cfg.Rabbit.Host,
				Port:     cfg.Rabbit.Port,
				Queue:    cfg.Rabbit.Queue,
				Prefetch: config.DefaultPrefetch,
			})
		},
	})

	return supervisor.Run(ctx)
}
