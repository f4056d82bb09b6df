package nurture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/mailer"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/templates"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

var testStart = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeMailer records sends. Queued errors are returned by the next sends
// in order; when the queue is empty the send succeeds.
type fakeMailer struct {
	mu       sync.Mutex
	sent     []mailer.Message
	attempts int
	errs     []error
	always   error
	before   func(mailer.Message)
}

func (f *fakeMailer) Send(ctx context.Context, msg mailer.Message) (string, error) {
	f.mu.Lock()
	before := f.before
	f.mu.Unlock()
	if before != nil {
		before(msg)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.always != nil {
		return "", f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeMailer) Sent() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.sent...)
}

func (f *fakeMailer) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type alert struct {
	event   string
	cause   error
	payload map[string]interface{}
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []alert
}

func (r *alertRecorder) record(event string, cause error, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert{event: event, cause: cause, payload: payload})
}

func (r *alertRecorder) all() []alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert(nil), r.alerts...)
}

type testEngine struct {
	*Engine
	store  *memStore
	mailer *fakeMailer
	clock  *fakeClock
	alerts *alertRecorder
}

func newTestEngine(t *testing.T, defs ...model.Sequence) *testEngine {
	t.Helper()
	config.MockConfig(&config.Configuration{
		ProjectName: "Nurture Engine",
		DataSource:  config.DataSourceConfig{Dns: "postgres://localhost/nurture"},
	})

	registry, err := NewRegistry(defs)
	require.NoError(t, err)

	sources := map[string]string{}
	for _, def := range defs {
		for _, e := range def.Emails {
			sources[e.TemplateKey] = `<p>Hi {{.FirstName}}, this is {{.TemplateKey}} of {{.SequenceName}}.</p>`
		}
	}
	renderer, err := templates.FromMap(sources)
	require.NoError(t, err)

	store := newMemStore()
	m := &fakeMailer{}
	clock := &fakeClock{now: testStart}
	alerts := &alertRecorder{}

	e, err := NewEngine(store, registry, m, renderer)
	require.NoError(t, err)
	e.WithClock(clock).WithAlerter(alerts.record)

	return &testEngine{Engine: e, store: store, mailer: m, clock: clock, alerts: alerts}
}

func (te *testEngine) tick(t *testing.T) int {
	t.Helper()
	n, err := te.Tick(context.Background())
	require.NoError(t, err)
	return n
}

// checkInvariants asserts the store-wide properties every reachable state
// must satisfy.
func (te *testEngine) checkInvariants(t *testing.T) {
	t.Helper()
	live := map[string]int{}
	for _, a := range te.store.allAutomations() {
		if a.Status.Live() {
			live[a.SubscriberID+"/"+a.SequenceID]++
		}
		if (a.Status == model.AutomationActive) != (a.NextEmailAt != nil) {
			t.Errorf("automation %s: status %s with next_email_at %v", a.AutomationID, a.Status, a.NextEmailAt)
		}
		if a.Status.Terminal() && (a.CompletedAt == nil || a.NextEmailAt != nil) {
			t.Errorf("automation %s: terminal without completed_at or with next_email_at", a.AutomationID)
		}
	}
	for pair, n := range live {
		if n > 1 {
			t.Errorf("%d live automations for %s", n, pair)
		}
	}

	te.store.mu.Lock()
	defer te.store.mu.Unlock()
	for id, trail := range te.store.indexTrail {
		for i := 1; i < len(trail); i++ {
			if trail[i] < trail[i-1] {
				t.Errorf("automation %s: index decreased %v", id, trail)
			}
		}
	}
}

func seqEmail(key string, order, delayHours int) model.SequenceEmail {
	return model.SequenceEmail{
		TemplateKey: key,
		EmailOrder:  order,
		DelayHours:  delayHours,
		Subject:     "Subject " + key,
		Active:      true,
	}
}

func sequenceWithDelays(id string, profile model.ClientProfile, minScore int, delays ...int) model.Sequence {
	seq := model.Sequence{
		SequenceID:    id,
		Name:          id,
		TriggerKind:   model.SequenceOnFormSubmission,
		ClientProfile: profile,
		MinScore:      minScore,
		MaxScore:      100,
	}
	for i, d := range delays {
		seq.Emails = append(seq.Emails, seqEmail(fmt.Sprintf("%s-%d", id, i), i, d))
	}
	return seq
}

func withTrigger(seq model.Sequence, kind model.TriggerKind, value string, action model.TriggerAction, target string) model.Sequence {
	t := model.ExitTrigger{TriggerKind: kind, Action: action}
	if value != "" {
		t.TriggerValue = strPtr(value)
	}
	if target != "" {
		t.TargetSequenceID = strPtr(target)
	}
	seq.ExitTriggers = append(seq.ExitTriggers, t)
	return seq
}

func enroll(t *testing.T, te *testEngine, addr string, profile model.ClientProfile, score int) *EnrollResult {
	t.Helper()
	res, err := te.Enroll(context.Background(), EnrollRequest{
		Email:          addr,
		FirstName:      "Test",
		LeadScore:      score,
		ClientProfile:  profile,
		SubmissionKind: "contact",
	})
	require.NoError(t, err)
	return res
}

var errUnavailable = errors.New("503 service unavailable")
