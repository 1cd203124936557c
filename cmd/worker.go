package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"docflow/internal/app"
	"docflow/internal/worker"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background parse worker",
	Long:  `Starts the Asynq worker process that executes document parse workflows enqueued by the API server or the CLI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get application context: %w", err)
		}

		if err := runWorker(appInstance); err != nil {
			log.WithError(err).Error("Worker exited with error")
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// runWorker initializes and runs the Asynq worker server.
func runWorker(appInstance *app.App) error {
	cfg := appInstance.Config

	redisOpts := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	srv := asynq.NewServer(
		redisOpts,
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues:      cfg.Worker.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskID, _ := asynq.GetTaskID(ctx)
				log.WithFields(log.Fields{
					"task_id": taskID,
					"type":    task.Type(),
					"payload": string(task.Payload()),
				}).WithError(err).Error("Asynq task failed")
			}),
		},
	)

	mux := asynq.NewServeMux()
	worker.RegisterHandlers(mux, worker.ParseDeps{
		Engine: appInstance.Engine,
		Runs:   appInstance.PrimaryStore,
	})

	log.WithFields(log.Fields{
		"concurrency": cfg.Worker.Concurrency,
		"queues":      cfg.Worker.Queues,
	}).Info("Starting Asynq worker server")

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start Asynq server: %w", err)
	}

	statsDone := make(chan struct{})
	go logEngineStats(appInstance, statsDone)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	close(statsDone)

	log.Info("Shutdown signal received. Initiating graceful shutdown...")
	srv.Stop()
	srv.Shutdown()
	appInstance.Close()

	log.Info("Worker shutdown complete.")
	return nil
}

// logEngineStats periodically reports how many workflows are in flight and
// what the embedding providers have consumed, so a stuck or expensive worker
// is visible in the logs without attaching a debugger.
func logEngineStats(appInstance *app.App, done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			calls, failures, tokens := appInstance.Usage.Totals()
			log.WithFields(log.Fields{
				"active_runs":    appInstance.Engine.ActiveRuns(),
				"embed_calls":    calls,
				"embed_failures": failures,
				"embed_tokens":   tokens,
			}).Info("Worker engine stats")
		case <-done:
			return
		}
	}
}
