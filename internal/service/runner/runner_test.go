package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiken-ai/shiken/internal/model"
	"github.com/shiken-ai/shiken/internal/quota"
	"github.com/shiken-ai/shiken/internal/storage"
)

type fakeStore struct {
	scenario      model.Scenario
	tools         []model.Tool
	runs          map[uuid.UUID]model.ScenarioRun
	notifications []string
}

func newFakeStore(scenario model.Scenario) *fakeStore {
	return &fakeStore{
		scenario: scenario,
		tools: []model.Tool{
			{Name: "send_message", PackageName: "slack-tools", Description: "Post to a channel"},
		},
		runs: make(map[uuid.UUID]model.ScenarioRun),
	}
}

func (f *fakeStore) GetScenario(_ context.Context, id uuid.UUID) (model.Scenario, error) {
	if id != f.scenario.ID {
		return model.Scenario{}, storage.ErrNotFound
	}
	return f.scenario, nil
}

func (f *fakeStore) ListCollectionTools(_ context.Context, _ uuid.UUID) ([]model.Tool, error) {
	return f.tools, nil
}

func (f *fakeStore) CreateRun(_ context.Context, scenarioID, userID uuid.UUID, retryCount int) (model.ScenarioRun, error) {
	run := model.ScenarioRun{
		ID:         uuid.New(),
		ScenarioID: scenarioID,
		UserID:     userID,
		Status:     model.RunStatusRunning,
		RetryCount: retryCount,
		StartedAt:  time.Now().UTC(),
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeStore) FinalizeRun(_ context.Context, id uuid.UUID, p storage.FinalizeRunParams) (model.ScenarioRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return model.ScenarioRun{}, storage.ErrNotFound
	}
	if run.Status.Terminal() {
		return model.ScenarioRun{}, fmt.Errorf("storage: run not found or already finalized: %s", id)
	}
	run.Status = p.Status
	run.EvaluatorModel = p.EvaluatorModel
	run.EvaluatorVerdict = p.EvaluatorVerdict
	run.EvaluatorReason = p.EvaluatorReason
	run.AssertionResults = p.AssertionResults
	run.Output = p.Output
	run.ErrorLog = p.ErrorLog
	run.InputTokens = p.InputTokens
	run.OutputTokens = p.OutputTokens
	run.TotalTokens = p.InputTokens + p.OutputTokens
	run.EstimatedCost = p.EstimatedCost
	run.ExecutionTimeMs = p.ExecutionTimeMs
	now := time.Now().UTC()
	run.CompletedAt = &now
	f.runs[id] = run
	return run, nil
}

func (f *fakeStore) ApplyRunAggregates(_ context.Context, scenarioID uuid.UUID, u storage.ScenarioAggregateUpdate) (model.Scenario, error) {
	if scenarioID != f.scenario.ID {
		return model.Scenario{}, storage.ErrNotFound
	}
	s := &f.scenario
	s.TotalRuns++
	at := u.RanAt
	s.LastRunAt = &at
	o := u.Outcome
	s.LastRunStatus = &o
	switch u.Outcome {
	case model.OutcomePass:
		s.ConsecutivePasses++
		s.ConsecutiveFails = 0
		s.QualityScore = u.QualityScore
	case model.OutcomeFail:
		s.ConsecutiveFails++
		s.ConsecutivePasses = 0
		s.QualityScore = u.QualityScore
	case model.OutcomeError:
		// Streaks and score untouched.
	}
	return *s, nil
}

func (f *fakeStore) Notify(_ context.Context, channel, payload string) error {
	f.notifications = append(f.notifications, channel+":"+payload)
	return nil
}

type fakeExecutor struct {
	transcript string
	err        error
}

func (e *fakeExecutor) Execute(_ context.Context, _ model.Scenario, _ []model.Tool) (Execution, error) {
	if e.err != nil {
		return Execution{}, e.err
	}
	return Execution{Transcript: e.transcript, InputTokens: 120, OutputTokens: 340}, nil
}

type fakeEvaluator struct {
	verdict Verdict
	err     error
}

func (e *fakeEvaluator) Evaluate(_ context.Context, _ model.Scenario, _ string) (Verdict, error) {
	if e.err != nil {
		return Verdict{}, e.err
	}
	return e.verdict, nil
}

func (e *fakeEvaluator) Model() string { return "eval-test" }

func testScenario() model.Scenario {
	collectionID := uuid.New()
	return model.Scenario{
		ID:           uuid.New(),
		CollectionID: &collectionID,
		OwnerID:      uuid.New(),
		Prompt:       "Post a deploy summary to the #releases channel",
		Assertions:   []string{"the message names the deployed version"},
	}
}

func newTestService(db Store, exec Executor, eval Evaluator, tracker quota.Tracker) *Service {
	return New(db, exec, eval, tracker, time.Minute, slog.New(slog.DiscardHandler))
}

func TestTriggerPassingRun(t *testing.T) {
	scenario := testScenario()
	db := newFakeStore(scenario)
	eval := &fakeEvaluator{verdict: Verdict{
		Outcome: model.OutcomePass,
		Reason:  "version named in the posted message",
		Assertions: []model.AssertionResult{
			{Assertion: scenario.Assertions[0], Passed: true},
		},
	}}
	svc := newTestService(db, &fakeExecutor{transcript: "[tool_call] send_message(...) -> ok"}, eval, quota.NewMemoryTracker(5))

	res, err := svc.Trigger(context.Background(), scenario.ID, scenario.OwnerID)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusPass, res.Run.Status)
	require.NotNil(t, res.Run.EvaluatorVerdict)
	assert.Equal(t, model.OutcomePass, *res.Run.EvaluatorVerdict)
	require.NotNil(t, res.Run.Output)
	assert.Contains(t, *res.Run.Output, "send_message")
	assert.Equal(t, 460, res.Run.TotalTokens)
	assert.NotNil(t, res.Run.CompletedAt)
	assert.Equal(t, 4, res.QuotaRemaining)

	// First pass from a cold score moves it up by the base step.
	assert.Equal(t, 1, res.Scenario.TotalRuns)
	assert.Equal(t, 1, res.Scenario.ConsecutivePasses)
	assert.InDelta(t, 0.20, res.Scenario.QualityScore, 1e-9)

	require.Len(t, db.notifications, 1)
	assert.Contains(t, db.notifications[0], storage.ChannelRuns)
	assert.Contains(t, db.notifications[0], `"status":"pass"`)
}

func TestTriggerFailingRun(t *testing.T) {
	scenario := testScenario()
	scenario.QualityScore = 0.5
	scenario.TotalRuns = 3
	scenario.ConsecutivePasses = 3
	db := newFakeStore(scenario)
	eval := &fakeEvaluator{verdict: Verdict{Outcome: model.OutcomeFail, Reason: "no version in message"}}
	svc := newTestService(db, &fakeExecutor{transcript: "done"}, eval, quota.NewMemoryTracker(5))

	res, err := svc.Trigger(context.Background(), scenario.ID, scenario.OwnerID)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFail, res.Run.Status)
	assert.Equal(t, 0, res.Scenario.ConsecutivePasses)
	assert.Equal(t, 1, res.Scenario.ConsecutiveFails)
	assert.InDelta(t, 0.30, res.Scenario.QualityScore, 1e-9)
}

func TestTriggerExecutorFailureIsErrorStatus(t *testing.T) {
	scenario := testScenario()
	scenario.QualityScore = 0.7
	scenario.ConsecutivePasses = 4
	db := newFakeStore(scenario)
	svc := newTestService(db, &fakeExecutor{err: errors.New("llm: send request: connection refused")},
		&fakeEvaluator{}, quota.NewMemoryTracker(5))

	res, err := svc.Trigger(context.Background(), scenario.ID, scenario.OwnerID)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusError, res.Run.Status)
	require.NotNil(t, res.Run.ErrorLog)
	assert.Contains(t, *res.Run.ErrorLog, "connection refused")

	// An infrastructure error must not disturb the pass streak or the score.
	assert.Equal(t, 4, res.Scenario.ConsecutivePasses)
	assert.InDelta(t, 0.7, res.Scenario.QualityScore, 1e-9)
	assert.Equal(t, 1, res.Scenario.TotalRuns)
}

func TestTriggerEvaluatorFailureIsErrorStatus(t *testing.T) {
	scenario := testScenario()
	db := newFakeStore(scenario)
	svc := newTestService(db, &fakeExecutor{transcript: "done"},
		&fakeEvaluator{err: errors.New("runner: unparseable evaluator reply")}, quota.NewMemoryTracker(5))

	res, err := svc.Trigger(context.Background(), scenario.ID, scenario.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, res.Run.Status)
}

func TestTriggerQuotaExhausted(t *testing.T) {
	scenario := testScenario()
	db := newFakeStore(scenario)
	tracker := quota.NewMemoryTracker(1)
	eval := &fakeEvaluator{verdict: Verdict{Outcome: model.OutcomePass}}
	svc := newTestService(db, &fakeExecutor{transcript: "ok"}, eval, tracker)

	_, err := svc.Trigger(context.Background(), scenario.ID, scenario.OwnerID)
	require.NoError(t, err)

	_, err = svc.Trigger(context.Background(), scenario.ID, scenario.OwnerID)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// The rejected attempt must not create a run.
	assert.Len(t, db.runs, 1)
}

func TestTriggerOrphanedScenario(t *testing.T) {
	scenario := testScenario()
	scenario.CollectionID = nil
	db := newFakeStore(scenario)
	tracker := quota.NewMemoryTracker(5)
	svc := newTestService(db, &fakeExecutor{}, &fakeEvaluator{}, tracker)

	_, err := svc.Trigger(context.Background(), scenario.ID, scenario.OwnerID)
	require.ErrorIs(t, err, ErrOrphanedScenario)

	// Rejection happens before quota admission.
	st, err := tracker.Status(context.Background(), scenario.OwnerID)
	require.NoError(t, err)
	assert.Zero(t, st.Used)
}

func TestTriggerUnknownScenario(t *testing.T) {
	db := newFakeStore(testScenario())
	svc := newTestService(db, &fakeExecutor{}, &fakeEvaluator{}, quota.NewMemoryTracker(5))

	_, err := svc.Trigger(context.Background(), uuid.New(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    model.RunOutcome
		wantErr bool
	}{
		{
			name:  "bare json",
			reply: `{"verdict": "pass", "reason": "ok", "assertions": []}`,
			want:  model.OutcomePass,
		},
		{
			name:  "fenced json",
			reply: "```json\n{\"verdict\": \"fail\", \"reason\": \"missing step\"}\n```",
			want:  model.OutcomeFail,
		},
		{
			name:  "json with surrounding prose",
			reply: "Here is my judgment:\n{\"verdict\": \"pass\", \"reason\": \"ok\"}\nThanks!",
			want:  model.OutcomePass,
		},
		{
			name:    "invalid verdict value",
			reply:   `{"verdict": "maybe", "reason": "unsure"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			reply:   "the agent did great",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Outcome)
		})
	}
}
