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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// Scheduler claims due automations on a fixed tick and dispatches them one
// at a time in next_email_at order. The database is the only schedule; the
// scheduler keeps no automation state between ticks.
type Scheduler struct {
	engine    *Engine
	batchSize int
	interval  time.Duration
	lockTTL   time.Duration
	grace     time.Duration
	stopCh    chan struct{}
	kickCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
}

func NewScheduler(e *Engine) *Scheduler {
	return &Scheduler{
		engine:    e,
		batchSize: e.cfg.BatchSize,
		interval:  e.cfg.TickInterval(),
		lockTTL:   e.cfg.LockTTL(),
		grace:     e.cfg.ShutdownGrace(),
		stopCh:    make(chan struct{}),
		kickCh:    make(chan struct{}, 1),
	}
}

func (s *Scheduler) WithInterval(interval time.Duration) *Scheduler {
	s.interval = interval
	return s
}

func (s *Scheduler) WithBatchSize(size int) *Scheduler {
	s.batchSize = size
	return s
}

func (s *Scheduler) WithGrace(grace time.Duration) *Scheduler {
	s.grace = grace
	return s
}

// Start runs a tick immediately and then on every interval or kick.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop stops ticking and waits for the current batch. Dispatches still
// running after the grace period are canceled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.grace):
		logrus.Warnf("scheduler did not drain within %s, canceling in-flight dispatch", s.grace)
		cancel()
		<-done
	}
	cancel()
	logrus.Info("Automation scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Kick requests a tick without waiting for the interval. It never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Automation scheduler context cancelled")
			return
		case <-s.stopCh:
			logrus.Info("Automation scheduler stop signal received")
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.kickCh:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		logrus.Errorf("scheduler tick failed: %v", err)
	}
}

// Tick claims up to one batch of due automations and dispatches them. It
// returns the number of automations dispatched. Dispatch failures are
// logged and do not stop the batch. Once Stop is called no new batch is
// claimed, but the current one keeps draining until ctx is canceled at the
// end of the grace period; claims not dispatched by then are released.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Scheduler tick")
	defer span.End()

	if s.stopRequested() || ctx.Err() != nil {
		return 0, nil
	}

	now := s.engine.now()
	claimed, err := s.engine.datasource.ClaimDue(ctx, now, now.Add(-s.lockTTL), s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	logrus.Infof("Dispatching %d due automations", len(claimed))

	dispatched := 0
	for i, claim := range claimed {
		if ctx.Err() != nil {
			s.releaseRemaining(claimed[i:])
			break
		}
		if err := s.engine.Dispatch(ctx, claim); err != nil {
			logrus.WithFields(logrus.Fields{"automation_id": claim.AutomationID, "subscriber": claim.Email}).
				Errorf("dispatch failed: %v", err)
		}
		dispatched++
	}
	return dispatched, nil
}

func (s *Scheduler) stopRequested() bool {
	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) releaseRemaining(claims []model.ClaimedAutomation) {
	ids := make([]string, 0, len(claims))
	for _, c := range claims {
		ids = append(ids, c.AutomationID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.engine.datasource.ReleaseClaims(ctx, ids); err != nil {
		logrus.Errorf("failed to release %d claims: %v", len(ids), err)
		return
	}
	logrus.Infof("Released %d undispatched claims", len(ids))
}

// Tick runs one scheduler pass synchronously.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	return e.scheduler.Tick(ctx)
}

// Kick asks the running scheduler for an immediate tick.
func (e *Engine) Kick() {
	if e.scheduler != nil {
		e.scheduler.Kick()
	}
}
