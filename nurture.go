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
	"embed"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/mailer"
	redis_db "github.com/JacobsCounsel/jcllc-backend-sub001/internal/redis-db"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("nurture.engine")

// Engine drives subscribers through their nurture sequences. It owns the
// scheduler loop and is the single entry point for intake, external events
// and operator controls.
type Engine struct {
	datasource database.IDataSource
	registry   *Registry
	mailer     mailer.Mailer
	renderer   Renderer
	locker     SubscriberLocker
	clock      Clock
	queue      *Queue
	alert      AlertFunc
	cfg        config.AutomationConfig
	scheduler  *Scheduler
}

// NewEngine wires an engine from the loaded configuration. When Redis is
// configured, subscriber locks live in Redis and inbound events go through
// the task queue; otherwise both stay in process.
func NewEngine(db database.IDataSource, registry *Registry, m mailer.Mailer, r Renderer) (*Engine, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	cnf.WithDefaults()

	e := &Engine{
		datasource: db,
		registry:   registry,
		mailer:     m,
		renderer:   r,
		clock:      SystemClock{},
		alert:      notifyOperator,
		cfg:        cnf.Automation,
	}

	if cnf.Redis.Dns != "" {
		client, err := redis_db.NewRedisClient([]string{cnf.Redis.Dns}, cnf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		e.locker = NewRedisSubscriberLocker(client.Client(), cnf.Automation.LockTTL())
		q, err := NewQueue(cnf)
		if err != nil {
			return nil, err
		}
		e.queue = q
	} else {
		e.locker = NewLocalSubscriberLocker()
	}

	e.scheduler = NewScheduler(e)
	return e, nil
}

func (e *Engine) WithClock(c Clock) *Engine {
	e.clock = c
	return e
}

func (e *Engine) WithLocker(l SubscriberLocker) *Engine {
	e.locker = l
	return e
}

func (e *Engine) WithAlerter(fn AlertFunc) *Engine {
	e.alert = fn
	return e
}

func (e *Engine) WithQueue(q *Queue) *Engine {
	e.queue = q
	return e
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

func (e *Engine) Queue() *Queue {
	return e.queue
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}

// Start begins the scheduler loop.
func (e *Engine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
}

// Stop stops the scheduler, waiting for the in-flight batch up to the
// configured shutdown grace period.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			logrus.Errorf("failed to close queue: %v", err)
		}
	}
}
