// Package cli provides the command-line entrypoint for the document-batch
// evaluation orchestrator: configuration binding, service wiring, HTTP
// server startup, and graceful shutdown.
//
// Grounded on the teacher's cli/root.go cobra/viper root command, trimmed to
// this service's actual dependency set (two Postgres stores, Redis, the LLM
// RPC client) instead of RabbitMQ/CouchDB/JWT.
package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/prodogs/docbatch/api"
	"github.com/prodogs/docbatch/batch"
	"github.com/prodogs/docbatch/cache"
	"github.com/prodogs/docbatch/catalog"
	"github.com/prodogs/docbatch/llmclient"
	"github.com/prodogs/docbatch/monitor"
	"github.com/prodogs/docbatch/obslog"
	"github.com/prodogs/docbatch/queue"
	"github.com/prodogs/docbatch/recovery"
	"github.com/prodogs/docbatch/staging"
	"github.com/prodogs/docbatch/workstore"
)

var cfgFile string

// RootCmd is the docbatch server entrypoint.
var RootCmd = &cobra.Command{
	Use:   "docbatch",
	Short: "batch-oriented LLM document evaluation orchestrator",
	Long: `docbatch stages folders of documents against prompts and LLM
connections, dispatches the resulting (document, prompt, connection)
triples under bounded concurrency, and reconciles stuck or crashed batches
on startup and on a maintenance schedule.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./docbatch.yaml or $HOME/docbatch.yaml)")
	RootCmd.PersistentFlags().String("http-addr", ":8080", "HTTP listen address")
	RootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	RootCmd.PersistentFlags().String("catalog-dsn", "", "Catalog store Postgres DSN (GORM keyword form)")
	RootCmd.PersistentFlags().String("work-dsn", "", "Work store Postgres DSN (URL form)")
	RootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address for the circuit breaker and active-task mirror")
	RootCmd.PersistentFlags().Duration("poll-interval", 5*time.Second, "Queue Processor scheduler tick interval")
	RootCmd.PersistentFlags().Int("max-concurrent", 30, "Queue Processor bounded dispatch concurrency")
	RootCmd.PersistentFlags().Duration("task-timeout", 30*time.Minute, "per-dispatch timeout before a response is considered stuck")
	RootCmd.PersistentFlags().Duration("stuck-sweep-interval", 60*time.Second, "how often the reaper sweeps for stuck PROCESSING responses")
	RootCmd.PersistentFlags().Duration("dispatch-timeout", 60*time.Second, "HTTP client timeout for one LLM RPC call")

	viper.BindPFlag("http_addr", RootCmd.PersistentFlags().Lookup("http-addr"))
	viper.BindPFlag("log_level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("catalog_dsn", RootCmd.PersistentFlags().Lookup("catalog-dsn"))
	viper.BindPFlag("work_dsn", RootCmd.PersistentFlags().Lookup("work-dsn"))
	viper.BindPFlag("redis_addr", RootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("poll_interval", RootCmd.PersistentFlags().Lookup("poll-interval"))
	viper.BindPFlag("max_concurrent", RootCmd.PersistentFlags().Lookup("max-concurrent"))
	viper.BindPFlag("task_timeout", RootCmd.PersistentFlags().Lookup("task-timeout"))
	viper.BindPFlag("stuck_sweep_interval", RootCmd.PersistentFlags().Lookup("stuck-sweep-interval"))
	viper.BindPFlag("dispatch_timeout", RootCmd.PersistentFlags().Lookup("dispatch-timeout"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(".")
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName("docbatch")
	}

	viper.SetEnvPrefix("DOCBATCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("using config file:", viper.ConfigFileUsed())
	}
}

func runServer(cmd *cobra.Command, args []string) {
	log := obslog.New(viper.GetString("log_level"))
	entry := logrus.NewEntry(log)

	ctx := context.Background()

	catalogDSN := viper.GetString("catalog_dsn")
	if catalogDSN == "" {
		log.Fatal("catalog DSN not set (--catalog-dsn or DOCBATCH_CATALOG_DSN)")
	}
	catalogDB, err := catalog.Open(catalogDSN)
	if err != nil {
		log.Fatalf("open catalog store: %v", err)
	}
	if err := catalogDB.Migrate(); err != nil {
		log.Fatalf("migrate catalog store: %v", err)
	}
	defer catalogDB.Close()

	workDSN := viper.GetString("work_dsn")
	if workDSN == "" {
		log.Fatal("work DSN not set (--work-dsn or DOCBATCH_WORK_DSN)")
	}
	workDB, err := workstore.Open(ctx, workDSN)
	if err != nil {
		log.Fatalf("open work store: %v", err)
	}
	if err := workDB.Migrate(ctx); err != nil {
		log.Fatalf("migrate work store: %v", err)
	}
	defer workDB.Close()

	rdb := redis.NewClient(&redis.Options{Addr: viper.GetString("redis_addr")})
	defer rdb.Close()

	breaker := cache.NewBreaker(rdb, "docbatch")
	active := cache.NewActiveTasks(rdb, "docbatch")
	client := llmclient.New(viper.GetDuration("dispatch_timeout"))

	stagingSvc := staging.New(catalogDB, workDB, entry)
	batchSvc := batch.New(catalogDB, workDB, stagingSvc)
	recoverySvc := recovery.New(catalogDB, workDB, entry)

	cfg := queue.Config{
		PollInterval:       viper.GetDuration("poll_interval"),
		MaxConcurrent:      viper.GetInt("max_concurrent"),
		TaskTimeout:        viper.GetDuration("task_timeout"),
		StuckSweepInterval: viper.GetDuration("stuck_sweep_interval"),
	}
	processor := queue.New(cfg, catalogDB, workDB, batchSvc, client, breaker, active, entry)

	log.Info("running startup recovery pass")
	report, err := recoverySvc.Run(ctx)
	if err != nil {
		log.Fatalf("startup recovery failed: %v", err)
	}
	log.WithFields(logrus.Fields{
		"batches_inspected": report.BatchesInspected,
		"batches_fixed":     report.BatchesFixed,
		"stuck_responses":   report.StuckResponses,
	}).Info("startup recovery complete")

	reaperCtx, cancelReaper := context.WithCancel(ctx)
	processor.StartReaper(reaperCtx)
	defer cancelReaper()

	metrics := monitor.NewMetrics("docbatch")
	server := api.New(batchSvc, processor, recoverySvc, catalogDB, workDB, client, metrics, entry)

	addr := viper.GetString("http_addr")
	go func() {
		log.Infof("listening on %s", addr)
		if err := server.Start(addr); err != nil {
			log.WithError(err).Info("http server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	processor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal(err)
	}
}
