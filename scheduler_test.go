package nurture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/mailer"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

func TestScheduler_StartKickStop(t *testing.T) {
	te := newTestEngine(t, sequenceWithDelays("s", model.ProfileAll, 0, 0, 24))
	te.Scheduler().WithInterval(time.Hour).WithGrace(time.Second)

	te.Start(context.Background())
	assert.True(t, te.Scheduler().IsRunning())

	enroll(t, te, "kick@x.com", model.ProfileFamily, 10)
	assert.Eventually(t, func() bool {
		return len(te.mailer.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond, "enroll kicks the scheduler")

	te.Stop()
	assert.False(t, te.Scheduler().IsRunning())
	te.Stop()
}

func TestScheduler_DispatchesInDueOrder(t *testing.T) {
	te := newTestEngine(t, sequenceWithDelays("s", model.ProfileAll, 0, 0, 24))
	for _, addr := range []string{"first@x.com", "second@x.com", "third@x.com"} {
		enroll(t, te, addr, model.ProfileFamily, 10)
		te.clock.Advance(time.Minute)
	}

	assert.Equal(t, 3, te.tick(t))
	sent := te.mailer.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "first@x.com", sent[0].To)
	assert.Equal(t, "second@x.com", sent[1].To)
	assert.Equal(t, "third@x.com", sent[2].To)
}

func TestScheduler_BatchSize(t *testing.T) {
	te := newTestEngine(t, sequenceWithDelays("s", model.ProfileAll, 0, 0, 24))
	te.Scheduler().WithBatchSize(2)
	for _, addr := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		enroll(t, te, addr, model.ProfileFamily, 10)
	}

	assert.Equal(t, 2, te.tick(t))
	assert.Equal(t, 1, te.tick(t))
	assert.Equal(t, 0, te.tick(t))
}

func TestScheduler_StaleClaimIsReclaimed(t *testing.T) {
	te := newTestEngine(t, sequenceWithDelays("s", model.ProfileAll, 0, 0, 24))
	res := enroll(t, te, "stale@x.com", model.ProfileFamily, 10)

	now := te.clock.Now()
	claims, err := te.store.ClaimDue(context.Background(), now, now.Add(-te.cfg.LockTTL()), 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	assert.Equal(t, 0, te.tick(t), "claim is still held")

	te.clock.Advance(te.cfg.LockTTL() + time.Second)
	assert.Equal(t, 1, te.tick(t))
	assert.Equal(t, 1, te.store.automation(res.AutomationID).CurrentEmailIndex)
}

func TestScheduler_ClaimsNothingAfterStop(t *testing.T) {
	te := newTestEngine(t, sequenceWithDelays("s", model.ProfileAll, 0, 0, 24))
	a := enroll(t, te, "one@x.com", model.ProfileFamily, 10)
	b := enroll(t, te, "two@x.com", model.ProfileFamily, 10)

	close(te.Scheduler().stopCh)
	assert.Equal(t, 0, te.tick(t))
	assert.Equal(t, 0, te.mailer.Attempts())
	assert.Nil(t, te.store.automation(a.AutomationID).ProcessingSince)
	assert.Nil(t, te.store.automation(b.AutomationID).ProcessingSince)
}

func TestScheduler_DrainsBatchAfterStop(t *testing.T) {
	te := newTestEngine(t, sequenceWithDelays("s", model.ProfileAll, 0, 0, 24))
	a := enroll(t, te, "one@x.com", model.ProfileFamily, 10)
	b := enroll(t, te, "two@x.com", model.ProfileFamily, 10)

	var once sync.Once
	te.mailer.before = func(mailer.Message) {
		once.Do(func() { close(te.Scheduler().stopCh) })
	}

	assert.Equal(t, 2, te.tick(t))
	assert.Len(t, te.mailer.Sent(), 2)
	assert.Equal(t, 1, te.store.automation(a.AutomationID).CurrentEmailIndex)
	assert.Equal(t, 1, te.store.automation(b.AutomationID).CurrentEmailIndex)
}

func TestScheduler_ReleasesUndispatchedAfterGrace(t *testing.T) {
	te := newTestEngine(t, sequenceWithDelays("s", model.ProfileAll, 0, 0, 24))
	a := enroll(t, te, "one@x.com", model.ProfileFamily, 10)
	b := enroll(t, te, "two@x.com", model.ProfileFamily, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	te.mailer.before = func(mailer.Message) { cancel() }

	n, err := te.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := te.mailer.Sent()
	require.Len(t, sent, 1)
	sentID, releasedID := a.AutomationID, b.AutomationID
	if sent[0].To == "two@x.com" {
		sentID, releasedID = b.AutomationID, a.AutomationID
	}
	assert.Equal(t, 1, te.store.automation(sentID).CurrentEmailIndex, "accepted send is recorded")
	released := te.store.automation(releasedID)
	assert.Equal(t, 0, released.CurrentEmailIndex)
	assert.Nil(t, released.ProcessingSince)
}

func TestScheduler_AbandonedSendRecordsNothing(t *testing.T) {
	te := newTestEngine(t, sequenceWithDelays("s", model.ProfileAll, 0, 0, 24))
	te.Engine.mailer = blockingMailer{}
	res := enroll(t, te, "abandon@x.com", model.ProfileFamily, 10)

	now := te.clock.Now()
	claims, err := te.store.ClaimDue(context.Background(), now, now.Add(-te.cfg.LockTTL()), 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err = te.Dispatch(ctx, claims[0])
	assert.ErrorIs(t, err, context.Canceled)

	a := te.store.automation(res.AutomationID)
	assert.Equal(t, model.AutomationActive, a.Status)
	assert.Equal(t, 0, a.CurrentEmailIndex)
	assert.NotNil(t, a.ProcessingSince, "claim expires after the lock TTL")
	assert.Empty(t, te.store.historyOf(res.AutomationID))
}
