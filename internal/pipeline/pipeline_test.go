package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/safehands/internal/capability"
	"github.com/ashureev/safehands/internal/capability/rules"
	"github.com/ashureev/safehands/internal/config"
	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/knowledge"
	"github.com/ashureev/safehands/internal/recovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	records  []domain.ErrorRecord
	getErr   error
}

func newMemStore(sessions ...*domain.Session) *memStore {
	s := &memStore{sessions: make(map[string]*domain.Session)}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess.Clone()
	}
	return s
}

func (s *memStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.sessions[id].Clone(), nil
}

func (s *memStore) UpdateSession(_ context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.sessions[id] = next
	return next.Clone(), nil
}

func (s *memStore) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	cur.LastActivity = at
	return nil
}

func (s *memStore) AppendErrorRecord(_ context.Context, rec domain.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) session(id string) *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].Clone()
}

// flakyGuidance fails the first n calls.
type flakyGuidance struct {
	fails int32
	calls atomic.Int32
}

func (f *flakyGuidance) GenerateGuidance(ctx context.Context, req capability.GuidanceRequest) (capability.Guidance, error) {
	if f.calls.Add(1) <= f.fails {
		return capability.Guidance{}, errors.New("model overloaded")
	}
	return rules.GuidanceGenerator{}.GenerateGuidance(ctx, req)
}

func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.RetryBackoff = time.Millisecond
	return p
}

func newTestOrchestrator(t *testing.T, store Store, providers capability.Providers) *Orchestrator {
	t.Helper()
	kb, err := knowledge.Load("", nil, nil)
	require.NoError(t, err)
	return New(Deps{
		Store:           store,
		Providers:       providers,
		Knowledge:       kb,
		Policy:          testPolicy(),
		ProviderTimeout: time.Second,
	})
}

func command(id, text string) domain.InboundFrame {
	return domain.InboundFrame{Kind: domain.KindCommand, SessionID: id, Command: &domain.CommandPayload{Text: text}}
}

func screen(id, app, visible string) domain.InboundFrame {
	return domain.InboundFrame{
		Kind:      domain.KindScreen,
		SessionID: id,
		Screen:    &domain.ScreenPayload{Image: []byte{1}, Width: 1080, Height: 1920, AppContext: app, VisibleText: visible},
	}
}

func newSession(id string) *domain.Session {
	return domain.NewSession(id, "", nil, time.Now())
}

func TestRunStartsTask(t *testing.T) {
	store := newMemStore(newSession("s1"))
	o := newTestOrchestrator(t, store, rules.New())

	out, err := o.Run(context.Background(), command("s1", "I want to order food"))
	require.NoError(t, err)

	assert.Equal(t, domain.ResponseHighlight, out.Kind)
	assert.Contains(t, out.Content, "Open the Swiggy app")
	require.NotNil(t, out.UIElement)
	assert.Equal(t, "swiggy_icon", out.UIElement.ID)
	assert.Equal(t, "Search for the food you want to order", out.NextStep)

	sess := store.session("s1")
	assert.Equal(t, "order_food", sess.CurrentTask)
	assert.Equal(t, "swiggy", sess.CurrentApp)
	assert.True(t, sess.AwaitingVerification)
	assert.Equal(t, "swiggy, restaurants", sess.ExpectedState)
	assert.Len(t, sess.Steps, 8)
}

func TestRunClarifiesLowConfidence(t *testing.T) {
	store := newMemStore(newSession("s1"))
	o := newTestOrchestrator(t, store, rules.New())

	out, err := o.Run(context.Background(), command("s1", "banana"))
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseInstruction, out.Kind)
	assert.Equal(t, clarifyText, out.Content)
	assert.Empty(t, store.session("s1").CurrentTask)
}

func TestRunDeterministic(t *testing.T) {
	frames := []domain.InboundFrame{
		command("s1", "hello"),
		command("s1", "I want to order food"),
		screen("s1", "swiggy", "Restaurants near you"),
		command("s1", "how do I search"),
	}

	run := func() []domain.OutboundFrame {
		store := newMemStore(newSession("s1"))
		o := newTestOrchestrator(t, store, rules.New())
		var outs []domain.OutboundFrame
		for _, f := range frames {
			out, err := o.Run(context.Background(), f)
			require.NoError(t, err)
			out.Timestamp = time.Time{}
			outs = append(outs, out)
		}
		return outs
	}
	assert.Equal(t, run(), run())
}

func TestHeartbeatLeavesContextAlone(t *testing.T) {
	sess := newSession("s1")
	sess.CurrentTask = "order_food"
	sess.Steps = []string{"a", "b"}
	sess.Skill = domain.SkillIntermediate
	sess.LastActivity = time.Now().Add(-time.Minute)
	store := newMemStore(sess)
	o := newTestOrchestrator(t, store, rules.New())

	out, err := o.Run(context.Background(), domain.InboundFrame{Kind: domain.KindHeartbeat, SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, out.Ack)
	assert.Equal(t, domain.ResponseVerification, out.Kind)

	got := store.session("s1")
	assert.True(t, got.LastActivity.After(sess.LastActivity))
	assert.Equal(t, domain.SkillIntermediate, got.Skill)
	assert.Equal(t, "order_food", got.CurrentTask)
	assert.Zero(t, got.ErrorCount)
}

func TestVerifyConfirmationsRaiseSkill(t *testing.T) {
	store := newMemStore(newSession("s1"))
	o := newTestOrchestrator(t, store, rules.New())
	ctx := context.Background()

	_, err := o.Run(ctx, command("s1", "I want to order food"))
	require.NoError(t, err)

	for i, visible := range []string{"Restaurants near you", "Search for dishes", "Restaurant menu"} {
		out, err := o.Run(ctx, screen("s1", "swiggy", visible))
		require.NoError(t, err, "confirmation %d", i)
		assert.Equal(t, domain.ResponseVerification, out.Kind)
		assert.Contains(t, out.Content, confirmedPrefix)
	}

	sess := store.session("s1")
	assert.Equal(t, domain.SkillIntermediate, sess.Skill)
	assert.Equal(t, 3, sess.StepIndex)
	assert.Zero(t, sess.SuccessStreak)
}

func TestVerifyNotYetRepeatsInstruction(t *testing.T) {
	store := newMemStore(newSession("s1"))
	o := newTestOrchestrator(t, store, rules.New())
	ctx := context.Background()

	_, err := o.Run(ctx, command("s1", "I want to order food"))
	require.NoError(t, err)

	out, err := o.Run(ctx, screen("s1", "", "home screen"))
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseVerification, out.Kind)
	assert.Equal(t, notYetPrefix+"Open the Swiggy app on your phone.", out.Content)
	assert.Zero(t, store.session("s1").StepIndex)
}

func TestRepeatedMismatchEscalates(t *testing.T) {
	sess := newSession("s1")
	sess.StartTask("order_food", []string{"Open the Swiggy app on your phone", "Search for the food you want to order", "Select a restaurant from the results"})
	sess.StepIndex = 1
	sess.CurrentApp = "swiggy"
	sess.AwaitingVerification = true
	sess.LastInstruction = "Search for the food you want to order"
	sess.ExpectedState = "search, dishes"
	store := newMemStore(sess)
	o := newTestOrchestrator(t, store, rules.New())
	ctx := context.Background()

	var out domain.OutboundFrame
	for i := 0; i < 3; i++ {
		var err error
		out, err = o.Run(ctx, screen("s1", "whatsapp", "Chats"))
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, domain.ResponseInstruction, out.Kind)
			assert.Contains(t, out.Content, "Search for the food")
		}
	}

	assert.Equal(t, domain.ResponseProactive, out.Kind)
	assert.Equal(t, recovery.HandoffText, out.Content)

	got := store.session("s1")
	assert.True(t, got.Escalated)
	assert.Equal(t, 1, got.EscalationCount)
	assert.Equal(t, 3, got.ErrorCount)
	require.Len(t, store.records, 3)
	assert.Equal(t, domain.ActionOfferHandoff, store.records[2].Action)
	assert.Equal(t, domain.OutcomeEscalated, store.records[2].Outcome)
}

func TestCapabilityRetryRecovers(t *testing.T) {
	store := newMemStore(newSession("s1"))
	providers := rules.New()
	g := &flakyGuidance{fails: 1}
	providers.Guidance = g
	o := newTestOrchestrator(t, store, providers)

	out, err := o.Run(context.Background(), command("s1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseInstruction, out.Kind)
	assert.Contains(t, out.Content, "Hello!")
	assert.EqualValues(t, 2, g.calls.Load())

	require.Len(t, store.records, 1)
	assert.Equal(t, domain.ActionRetry, store.records[0].Action)
	assert.Equal(t, domain.OutcomeRecovered, store.records[0].Outcome)
	assert.Equal(t, "guidance", store.records[0].Stage)
}

func TestCapabilityFailureApologizes(t *testing.T) {
	store := newMemStore(newSession("s1"))
	providers := rules.New()
	g := &flakyGuidance{fails: 10}
	providers.Guidance = g
	o := newTestOrchestrator(t, store, providers)

	out, err := o.Run(context.Background(), command("s1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseError, out.Kind)
	assert.Equal(t, recovery.ApologyText, out.Content)
	assert.EqualValues(t, 2, g.calls.Load())

	require.Len(t, store.records, 2)
	assert.Equal(t, domain.ActionApology, store.records[1].Action)
	assert.Equal(t, 2, store.session("s1").ErrorCount)
}

func TestProtocolViolation(t *testing.T) {
	store := newMemStore(newSession("s1"))
	o := newTestOrchestrator(t, store, rules.New())

	frame := domain.InboundFrame{Kind: domain.KindScreen, SessionID: "s1", Violation: errors.New("missing image")}
	out, err := o.Run(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseError, out.Kind)
	assert.Equal(t, recovery.GenericText, out.Content)

	sess := store.session("s1")
	assert.Equal(t, 1, sess.ErrorCount)
	assert.Zero(t, sess.ErrorStreak)
	require.Len(t, store.records, 1)
	assert.Equal(t, domain.ErrorProtocolViolation, store.records[0].Class)
}

func TestClientErrorCorrective(t *testing.T) {
	store := newMemStore(newSession("s1"))
	o := newTestOrchestrator(t, store, rules.New())

	frame := domain.InboundFrame{
		Kind:        domain.KindError,
		SessionID:   "s1",
		ClientError: &domain.ClientErrorPayload{Code: "APP_CRASH", Message: "app crashed"},
	}
	out, err := o.Run(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseInstruction, out.Kind)
	assert.Contains(t, out.Content, "app crashed")
}

func TestUnknownSession(t *testing.T) {
	o := newTestOrchestrator(t, newMemStore(), rules.New())

	out, err := o.Run(context.Background(), command("missing", "hello"))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, domain.ResponseError, out.Kind)
	assert.Equal(t, endedText, out.Content)
}

func TestStoreFailureDegradesAndAlerts(t *testing.T) {
	store := newMemStore(newSession("s1"))
	store.getErr = errors.New("disk I/O error")

	var alerts []int64
	kb, err := knowledge.Load("", nil, nil)
	require.NoError(t, err)
	o := New(Deps{
		Store:     store,
		Providers: rules.New(),
		Knowledge: kb,
		Policy:    testPolicy(),
		Alert:     func(n int64, _ error) { alerts = append(alerts, n) },
	})

	for i := 0; i < 3; i++ {
		out, err := o.Run(context.Background(), command("s1", "hello"))
		assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
		assert.Equal(t, domain.ResponseError, out.Kind)
		assert.Equal(t, unavailableText, out.Content)
	}
	assert.Equal(t, []int64{3}, alerts)

	store.mu.Lock()
	store.getErr = nil
	store.mu.Unlock()
	_, err = o.Run(context.Background(), command("s1", "hello"))
	require.NoError(t, err)
	assert.Zero(t, o.storeFailures.Load())
}

func TestAdvancedUsersGetNoHighlight(t *testing.T) {
	sess := newSession("s1")
	sess.Skill = domain.SkillAdvanced
	store := newMemStore(sess)
	o := newTestOrchestrator(t, store, rules.New())

	out, err := o.Run(context.Background(), command("s1", "I want to order food"))
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseInstruction, out.Kind)
	assert.Nil(t, out.UIElement)
	assert.Equal(t, "Open the Swiggy app on your phone.", out.Content)
}

func TestRunsForOneSessionSerialize(t *testing.T) {
	store := newMemStore(newSession("s1"))
	o := newTestOrchestrator(t, store, rules.New())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Run(context.Background(), domain.InboundFrame{
				Kind:        domain.KindError,
				SessionID:   "s1",
				ClientError: &domain.ClientErrorPayload{Code: "E"},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Each run read the previous run's count.
	assert.Equal(t, 10, store.session("s1").ErrorCount)
	assert.Zero(t, o.locks.size())
}

func TestCancelClearsTask(t *testing.T) {
	store := newMemStore(newSession("s1"))
	o := newTestOrchestrator(t, store, rules.New())
	ctx := context.Background()

	_, err := o.Run(ctx, command("s1", "I want to order food"))
	require.NoError(t, err)
	out, err := o.Run(ctx, command("s1", "cancel"))
	require.NoError(t, err)
	assert.Contains(t, out.Content, "stopped")

	sess := store.session("s1")
	assert.Empty(t, sess.CurrentTask)
	assert.False(t, sess.AwaitingVerification)
}

func TestVerbalDoneAdvances(t *testing.T) {
	store := newMemStore(newSession("s1"))
	o := newTestOrchestrator(t, store, rules.New())
	ctx := context.Background()

	_, err := o.Run(ctx, command("s1", "I want to order food"))
	require.NoError(t, err)
	out, err := o.Run(ctx, command("s1", "done"))
	require.NoError(t, err)
	assert.Contains(t, out.Content, "Step 2 of 8")

	sess := store.session("s1")
	assert.Equal(t, 1, sess.StepIndex)
	assert.Zero(t, sess.SuccessStreak)
}
