package nurture

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// memStore is an in-memory database.IDataSource with the same transition
// rules as the Postgres datasource. It also records every index an
// automation has had so tests can check that indexes never decrease.
type memStore struct {
	mu          sync.Mutex
	counter     int
	subscribers map[string]*model.Subscriber
	byEmail     map[string]string
	sequences   []model.Sequence
	automations map[string]*model.Automation
	history     []model.EmailHistory
	events      []model.AutomationEvent
	bookings    map[string]*model.Booking
	indexTrail  map[string][]int
	failNext    map[string]error
}

var _ database.IDataSource = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		subscribers: map[string]*model.Subscriber{},
		byEmail:     map[string]string{},
		automations: map[string]*model.Automation{},
		bookings:    map[string]*model.Booking{},
		indexTrail:  map[string][]int{},
		failNext:    map[string]error{},
	}
}

// failOnce makes the next call of the named method return err.
func (m *memStore) failOnce(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[method] = err
}

// takeFailure is called with m.mu held.
func (m *memStore) takeFailure(method string) error {
	err := m.failNext[method]
	delete(m.failNext, method)
	return err
}

func (m *memStore) nextID(prefix string) string {
	m.counter++
	return fmt.Sprintf("%s_%04d", prefix, m.counter)
}

func notFound(what, id string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s '%s' not found", what, id), nil)
}

func invalid(a *model.Automation, action string) error {
	return fmt.Errorf("cannot %s automation %s in status %s: %w", action, a.AutomationID, a.Status, database.ErrInvalidTransition)
}

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }

func (m *memStore) UpsertSubscriber(_ context.Context, in model.SubscriberInput) (*model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := model.NormalizeEmail(in.Email)
	if id, ok := m.byEmail[email]; ok {
		s := m.subscribers[id]
		if in.FirstName != "" {
			s.FirstName = in.FirstName
		}
		if in.LastName != "" {
			s.LastName = in.LastName
		}
		s.LeadScore = in.LeadScore
		s.ClientProfile = in.ClientProfile
		s.SubmissionKind = in.SubmissionKind
		for k, v := range in.MetaData {
			if s.MetaData == nil {
				s.MetaData = map[string]interface{}{}
			}
			s.MetaData[k] = v
		}
		cp := *s
		return &cp, nil
	}

	s := &model.Subscriber{
		SubscriberID:   m.nextID("sub"),
		Email:          email,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		LeadScore:      in.LeadScore,
		ClientProfile:  in.ClientProfile,
		SubmissionKind: in.SubmissionKind,
		Status:         model.SubscriberActive,
		MetaData:       in.MetaData,
	}
	m.subscribers[s.SubscriberID] = s
	m.byEmail[email] = s.SubscriberID
	cp := *s
	return &cp, nil
}

func (m *memStore) GetSubscriberByEmail(_ context.Context, email string) (*model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[model.NormalizeEmail(email)]
	if !ok {
		return nil, notFound("Subscriber with email", email)
	}
	cp := *m.subscribers[id]
	return &cp, nil
}

func (m *memStore) GetSubscriberByID(_ context.Context, id string) (*model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return nil, notFound("Subscriber with ID", id)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateSubscriberScore(_ context.Context, id string, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return notFound("Subscriber with ID", id)
	}
	s.LeadScore = score
	return nil
}

func (m *memStore) UpdateSubscriberStatus(_ context.Context, id string, status model.SubscriberStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return notFound("Subscriber with ID", id)
	}
	s.Status = status
	return nil
}

func (m *memStore) SaveSequence(_ context.Context, seq model.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sequences {
		if m.sequences[i].SequenceID == seq.SequenceID {
			m.sequences[i] = seq
			return nil
		}
	}
	m.sequences = append(m.sequences, seq)
	return nil
}

func (m *memStore) GetAllSequences(_ context.Context) ([]model.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Sequence(nil), m.sequences...), nil
}

func (m *memStore) addEvent(a *model.Automation, kind model.AutomationEventKind, payload map[string]interface{}, now time.Time) {
	id := a.AutomationID
	m.events = append(m.events, model.AutomationEvent{
		EventID:      m.nextID("evt"),
		AutomationID: &id,
		SubscriberID: a.SubscriberID,
		Kind:         kind,
		Payload:      payload,
		CreatedAt:    now,
	})
}

func (m *memStore) touch(a *model.Automation, now time.Time) {
	a.UpdatedAt = now
	m.indexTrail[a.AutomationID] = append(m.indexTrail[a.AutomationID], a.CurrentEmailIndex)
}

func (m *memStore) liveFor(subscriberID, sequenceID string) *model.Automation {
	for _, a := range m.automations {
		if a.SubscriberID == subscriberID && a.SequenceID == sequenceID && a.Status.Live() {
			return a
		}
	}
	return nil
}

func (m *memStore) startLocked(subscriberID, sequenceID string, now time.Time) (string, error) {
	if existing := m.liveFor(subscriberID, sequenceID); existing != nil {
		return existing.AutomationID, &database.AlreadyRunningError{AutomationID: existing.AutomationID}
	}
	if _, ok := m.subscribers[subscriberID]; !ok {
		return "", notFound("Subscriber with ID", subscriberID)
	}
	a := &model.Automation{
		AutomationID: m.nextID("aut"),
		SubscriberID: subscriberID,
		SequenceID:   sequenceID,
		Status:       model.AutomationActive,
		StartedAt:    now,
		NextEmailAt:  timePtr(now),
	}
	m.automations[a.AutomationID] = a
	m.touch(a, now)
	m.addEvent(a, model.EventSequenceStarted, map[string]interface{}{"sequence_id": sequenceID}, now)
	return a.AutomationID, nil
}

func (m *memStore) StartAutomation(_ context.Context, subscriberID, sequenceID string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(subscriberID, sequenceID, now)
}

func (m *memStore) GetAutomation(_ context.Context, id string) (*model.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return nil, notFound("Automation with ID", id)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ClaimDue(_ context.Context, now, staleBefore time.Time, limit int) ([]model.ClaimedAutomation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*model.Automation
	for _, a := range m.automations {
		if a.Status != model.AutomationActive || a.NextEmailAt == nil || a.NextEmailAt.After(now) {
			continue
		}
		if a.ProcessingSince != nil && !a.ProcessingSince.Before(staleBefore) {
			continue
		}
		due = append(due, a)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextEmailAt.Equal(*due[j].NextEmailAt) {
			return due[i].AutomationID < due[j].AutomationID
		}
		return due[i].NextEmailAt.Before(*due[j].NextEmailAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := []model.ClaimedAutomation{}
	for _, a := range due {
		a.ProcessingSince = timePtr(now)
		claimed = append(claimed, model.ClaimedAutomation{
			AutomationID: a.AutomationID,
			SubscriberID: a.SubscriberID,
			Email:        m.subscribers[a.SubscriberID].Email,
			NextEmailAt:  *a.NextEmailAt,
		})
	}
	return claimed, nil
}

func (m *memStore) ReleaseClaims(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if a, ok := m.automations[id]; ok {
			a.ProcessingSince = nil
		}
	}
	return nil
}

func (m *memStore) lookup(id string) (*model.Automation, error) {
	a, ok := m.automations[id]
	if !ok {
		return nil, notFound("Automation with ID", id)
	}
	return a, nil
}

func (m *memStore) appendHistory(h model.EmailHistory) {
	if h.HistoryID == "" {
		h.HistoryID = m.nextID("hst")
	}
	m.history = append(m.history, h)
}

func (m *memStore) complete(a *model.Automation, status model.AutomationStatus, reason string, now time.Time) {
	a.Status = status
	a.CompletedAt = timePtr(now)
	a.NextEmailAt = nil
	a.PausedDueAt = nil
	a.ExitReason = strPtr(reason)
	a.ProcessingSince = nil
}

func (m *memStore) RecordSend(_ context.Context, id string, h model.EmailHistory, next *time.Time, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if a.Status != model.AutomationActive {
		return invalid(a, "advance")
	}
	if a.CurrentEmailIndex != h.EmailOrder {
		return fmt.Errorf("automation %s is at email %d, not %d: %w", id, a.CurrentEmailIndex, h.EmailOrder, database.ErrInvalidTransition)
	}
	m.appendHistory(h)

	a.CurrentEmailIndex++
	a.LastEmailSentAt = timePtr(now)
	a.ConsecutiveFailures = 0
	a.ProcessingSince = nil
	if next != nil {
		a.NextEmailAt = timePtr(*next)
	} else {
		m.complete(a, model.AutomationCompleted, model.ReasonSequenceCompleted, now)
	}
	m.touch(a, now)

	m.addEvent(a, model.EventEmailSent, map[string]interface{}{
		"template_key": h.TemplateKey,
		"email_order":  h.EmailOrder,
		"attempt_key":  h.AttemptKey,
	}, now)
	if next == nil {
		m.addEvent(a, model.EventSequenceCompleted, map[string]interface{}{
			"status": string(model.AutomationCompleted), "reason": model.ReasonSequenceCompleted,
		}, now)
	}
	return nil
}

func (m *memStore) RecordSendFailure(_ context.Context, id string, h model.EmailHistory, retryAt *time.Time, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if a.Status != model.AutomationActive {
		return invalid(a, "record failure for")
	}
	m.appendHistory(h)

	a.ConsecutiveFailures++
	a.ProcessingSince = nil
	if retryAt != nil {
		a.NextEmailAt = timePtr(*retryAt)
	} else {
		m.complete(a, model.AutomationExited, model.ReasonSendFailed, now)
	}
	m.touch(a, now)

	m.addEvent(a, model.EventEmailFailed, map[string]interface{}{
		"template_key": h.TemplateKey,
		"email_order":  h.EmailOrder,
		"error":        h.ErrorMessage,
		"failures":     a.ConsecutiveFailures,
	}, now)
	if retryAt == nil {
		m.addEvent(a, model.EventSequenceCompleted, map[string]interface{}{
			"status": string(model.AutomationExited), "reason": model.ReasonSendFailed,
		}, now)
	}
	return nil
}

func (m *memStore) Terminate(_ context.Context, id string, status model.AutomationStatus, reason string, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, database.ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !a.Status.Live() {
		return invalid(a, "terminate")
	}
	m.complete(a, status, reason, now)
	m.touch(a, now)
	m.addEvent(a, model.EventSequenceCompleted, map[string]interface{}{"status": string(status), "reason": reason}, now)
	return nil
}

func (m *memStore) Pause(_ context.Context, id, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("Pause"); err != nil {
		return err
	}
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if a.Status != model.AutomationActive {
		return invalid(a, "pause")
	}
	a.Status = model.AutomationPaused
	a.PausedAt = timePtr(now)
	a.PausedDueAt = a.NextEmailAt
	a.NextEmailAt = nil
	a.ProcessingSince = nil
	m.touch(a, now)
	m.addEvent(a, model.EventSequencePaused, map[string]interface{}{"reason": reason}, now)
	return nil
}

func (m *memStore) Resume(_ context.Context, id, reason string, now time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(id)
	if err != nil {
		return time.Time{}, err
	}
	if a.Status != model.AutomationPaused {
		return time.Time{}, invalid(a, "resume")
	}
	next := database.ResumeAt(a, now)
	a.Status = model.AutomationActive
	a.NextEmailAt = timePtr(next)
	a.PausedAt = nil
	a.PausedDueAt = nil
	m.touch(a, now)
	m.addEvent(a, model.EventSequenceResumed, map[string]interface{}{"reason": reason}, now)
	return next, nil
}

func (m *memStore) MoveToSequence(_ context.Context, id, targetSequenceID, reason string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("MoveToSequence"); err != nil {
		return "", err
	}
	a, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	if !a.Status.Live() {
		return "", invalid(a, "move")
	}
	m.complete(a, model.AutomationExited, reason, now)
	m.touch(a, now)
	m.addEvent(a, model.EventSequenceCompleted, map[string]interface{}{
		"status": string(model.AutomationExited), "reason": reason, "target_sequence_id": targetSequenceID,
	}, now)

	newID, err := m.startLocked(a.SubscriberID, targetSequenceID, now)
	if err != nil {
		if running, ok := err.(*database.AlreadyRunningError); ok {
			return running.AutomationID, nil
		}
		return "", err
	}
	return newID, nil
}

func (m *memStore) sortedFor(subscriberID string, liveOnly bool) []model.Automation {
	var out []model.Automation
	for _, a := range m.automations {
		if a.SubscriberID != subscriberID || (liveOnly && !a.Status.Live()) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].AutomationID < out[j].AutomationID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *memStore) FindActiveForSubscriber(_ context.Context, subscriberID string) ([]model.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedFor(subscriberID, true), nil
}

func (m *memStore) GetAutomationsBySubscriber(_ context.Context, subscriberID string) ([]model.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedFor(subscriberID, false), nil
}

func (m *memStore) AppendHistory(_ context.Context, h model.EmailHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendHistory(h)
	return nil
}

func (m *memStore) GetHistoryBySubscriber(_ context.Context, subscriberID string) ([]model.EmailHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.EmailHistory{}
	for _, h := range m.history {
		if h.SubscriberID == subscriberID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) UpgradeHistoryStatus(_ context.Context, providerMessageID string, status model.EmailStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for i := range m.history {
		h := &m.history[i]
		if h.ProviderMessageID == providerMessageID && h.Status.CanUpgradeTo(status) {
			h.Status = status
			changed = true
		}
	}
	return changed, nil
}

func (m *memStore) AppendEvent(_ context.Context, e model.AutomationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.EventID == "" {
		e.EventID = m.nextID("evt")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) GetEventsBySubscriber(_ context.Context, subscriberID string) ([]model.AutomationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.AutomationEvent{}
	for _, e := range m.events {
		if e.SubscriberID == subscriberID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) RecordBooking(_ context.Context, b model.Booking) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.EventID]; ok {
		return false, nil
	}
	b.Email = model.NormalizeEmail(b.Email)
	m.bookings[b.EventID] = &b
	return true, nil
}

func (m *memStore) CancelBooking(_ context.Context, eventID string, at time.Time) (*model.Booking, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[eventID]
	if !ok {
		return nil, false, notFound("Booking with event ID", eventID)
	}
	cp := *b
	if b.CanceledAt != nil {
		return &cp, false, nil
	}
	b.CanceledAt = timePtr(at)
	cp.CanceledAt = b.CanceledAt
	return &cp, true, nil
}

func (m *memStore) GetUnreconciledBookings(_ context.Context, email string) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Booking{}
	for _, b := range m.bookings {
		if b.Email == model.NormalizeEmail(email) && b.ReconciledAt == nil && b.CanceledAt == nil {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookedAt.Before(out[j].BookedAt) })
	return out, nil
}

func (m *memStore) MarkBookingReconciled(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[eventID]
	if !ok {
		return notFound("Booking with event ID", eventID)
	}
	b.ReconciledAt = timePtr(at)
	return nil
}

func (m *memStore) GetBooking(_ context.Context, eventID string) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[eventID]
	if !ok {
		return nil, notFound("Booking with event ID", eventID)
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) MarkCancellationApplied(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[eventID]
	if !ok {
		return notFound("Booking with event ID", eventID)
	}
	b.CancelAppliedAt = timePtr(at)
	return nil
}

// Test accessors.

func (m *memStore) automation(id string) model.Automation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.automations[id]
}

func (m *memStore) automationsOf(subscriberID string) []model.Automation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedFor(subscriberID, false)
}

func (m *memStore) allAutomations() []model.Automation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Automation, 0, len(m.automations))
	for _, a := range m.automations {
		out = append(out, *a)
	}
	return out
}

func (m *memStore) historyOf(automationID string) []model.EmailHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EmailHistory
	for _, h := range m.history {
		if h.AutomationID == automationID {
			out = append(out, h)
		}
	}
	return out
}

func (m *memStore) eventsOf(automationID string, kind model.AutomationEventKind) []model.AutomationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AutomationEvent
	for _, e := range m.events {
		if e.AutomationID != nil && *e.AutomationID == automationID && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) booking(eventID string) *model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[eventID]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}
