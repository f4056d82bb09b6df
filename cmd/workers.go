/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	nurture "github.com/JacobsCounsel/jcllc-backend-sub001"
	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
	redis_db "github.com/JacobsCounsel/jcllc-backend-sub001/internal/redis-db"
)

// initializeWorkerServer runs with a single worker so that events on one
// shard are applied in the order they were enqueued.
func initializeWorkerServer(opt asynq.RedisClientOpt, queues map[string]int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			if errors.Is(err, asynq.SkipRetry) || retried >= maxRetry {
				logrus.WithField("task", task.Type()).Errorf("task dropped: %v", err)
			}
		}),
	})
}

func initializeTaskHandlers(engine *nurture.Engine, mux *asynq.ServeMux) {
	mux.HandleFunc(nurture.TaskTypeEvent, engine.ProcessEventTask)
	mux.HandleFunc(nurture.TaskTypeWebhook, nurture.ProcessWebhook)
}

func startMonitoring(opt asynq.RedisClientOpt, conf config.QueueConfig) {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})

	go func() {
		addr := fmt.Sprintf(":%s", conf.MonitoringPort)
		logrus.Infof("Asynqmon server listening on %s/monitoring", addr)
		if err := http.ListenAndServe(addr, h); err != nil {
			logrus.Errorf("could not start asynqmon server: %v", err)
		}
	}()
}

// workerCommands defines the workers command. Workers apply queued events
// and deliver operator webhooks; the scheduler only runs under start.
func workerCommands(app *nurtureInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start nurture event workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conf := app.cnf
			if conf.Redis.Dns == "" {
				return errors.New("workers require redis.dns to be configured")
			}

			shutdownTracing, err := initializeObservability(ctx, conf, "nurture-workers")
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracing(ctx); err != nil {
					logrus.Errorf("Error during tracing shutdown: %v", err)
				}
			}()

			engine, err := app.setupEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Stop()

			opt, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			if err != nil {
				return fmt.Errorf("error parsing Redis URL: %v", err)
			}

			srv := initializeWorkerServer(opt, nurture.QueueNames(conf.Queue))
			mux := asynq.NewServeMux()
			initializeTaskHandlers(engine, mux)
			startMonitoring(opt, conf.Queue)

			// Run blocks until SIGTERM or SIGINT.
			return srv.Run(mux)
		},
	}

	return cmd
}
