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

package nurture

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	redis_db "github.com/JacobsCounsel/jcllc-backend-sub001/internal/redis-db"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

const (
	TaskTypeEvent   = "nurture:event"
	TaskTypeWebhook = "nurture:webhook"

	eventMaxRetry = 5
)

// Queue carries inbound events and operator webhooks through Redis.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       config.QueueConfig
}

func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewQueueWithOpt(opt, conf.Queue), nil
}

func NewQueueWithOpt(opt asynq.RedisConnOpt, cfg config.QueueConfig) *Queue {
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		cfg:       cfg,
	}
}

// EnqueueEvent puts the event on the shard of its key. Every event about
// one subscriber lands on the same shard and is applied in order.
func (q *Queue) EnqueueEvent(ctx context.Context, event model.Event) error {
	ctx, span := tracer.Start(ctx, "Enqueueing event")
	defer span.End()

	payload, err := model.MarshalEvent(event)
	if err != nil {
		return err
	}
	queueName := q.shardFor(event.Key())
	task := asynq.NewTask(TaskTypeEvent, payload, asynq.Queue(queueName), asynq.MaxRetry(eventMaxRetry))

	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"queue": info.Queue, "task_id": info.ID, "event": event.Kind()}).Debug("event enqueued")
	return nil
}

func (q *Queue) enqueueWebhook(ctx context.Context, payload []byte) error {
	task := asynq.NewTask(TaskTypeWebhook, payload, asynq.Queue(q.cfg.WebhookQueue), asynq.MaxRetry(eventMaxRetry))
	_, err := q.client.EnqueueContext(ctx, task)
	return err
}

func (q *Queue) shardFor(key string) string {
	return shardName(q.cfg.EventQueue, hashKey(key)%q.cfg.NumberOfQueues)
}

func shardName(base string, index int) string {
	return fmt.Sprintf("%s_%d", base, index+1)
}

func hashKey(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32())
}

// QueueNames lists every queue a worker must consume with its priority.
func QueueNames(cfg config.QueueConfig) map[string]int {
	queues := map[string]int{cfg.WebhookQueue: 1}
	for i := 0; i < cfg.NumberOfQueues; i++ {
		queues[shardName(cfg.EventQueue, i)] = 3
	}
	return queues
}

// Backlog returns the number of tasks waiting in each queue.
func (q *Queue) Backlog() (map[string]int, error) {
	backlog := map[string]int{}
	for name := range QueueNames(q.cfg) {
		info, err := q.inspector.GetQueueInfo(name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			backlog[name] = 0
			continue
		}
		if err != nil {
			return nil, err
		}
		backlog[name] = info.Size
	}
	return backlog, nil
}

func (q *Queue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

// ProcessEventTask applies a queued event. Malformed payloads and invalid
// events are not retried.
func (e *Engine) ProcessEventTask(ctx context.Context, task *asynq.Task) error {
	event, err := model.UnmarshalEvent(task.Payload())
	if err != nil {
		return fmt.Errorf("decode event: %v: %w", err, asynq.SkipRetry)
	}

	err = e.HandleEvent(ctx, event)
	if apierror.IsCode(err, apierror.ErrInvalidInput) || apierror.IsCode(err, apierror.ErrNotFound) {
		logrus.WithField("event", event.Kind()).Warnf("dropping event: %v", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}
