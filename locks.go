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

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	redlock "github.com/JacobsCounsel/jcllc-backend-sub001/internal/lock"
)

const subscriberLockPrefix = "nurture:subscriber:"

// SubscriberLocker serializes every state change that concerns one
// subscriber. Keys are normalized emails. The returned function releases the lock.
type SubscriberLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// RedisSubscriberLocker holds subscriber locks in Redis so that API
// processes and queue workers exclude each other.
type RedisSubscriberLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisSubscriberLocker(client redis.UniversalClient, ttl time.Duration) *RedisSubscriberLocker {
	return &RedisSubscriberLocker{client: client, ttl: ttl}
}

func (r *RedisSubscriberLocker) Lock(ctx context.Context, key string) (func(), error) {
	locker := redlock.NewLocker(r.client, subscriberLockPrefix+key, uuid.NewString())
	if err := locker.WaitLock(ctx, r.ttl, r.ttl); err != nil {
		return nil, err
	}
	return func() {
		// The caller's context may already be canceled at release time.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := locker.Unlock(ctx); err != nil {
			logrus.Warnf("failed to release lock %s: %v", locker.Key(), err)
		}
	}, nil
}

// LocalSubscriberLocker is an in-process keyed mutex used when Redis is
// not configured.
type LocalSubscriberLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalSubscriberLocker() *LocalSubscriberLocker {
	return &LocalSubscriberLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalSubscriberLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, kl, true) })
	}, nil
}

func (l *LocalSubscriberLocker) release(key string, kl *keyLock, held bool) {
	if held {
		<-kl.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
