package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/metacog-lab/backend/internal/archive"
	"github.com/metacog-lab/backend/internal/config"
	"github.com/metacog-lab/backend/internal/models"
	"github.com/metacog-lab/backend/internal/staircase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu          sync.Mutex
	sessions    map[string]*models.Session
	trials      map[string][]models.Trial
	submissions map[string]json.RawMessage
	nextTrialID int64
	failInsert  error
	trialReads  int
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions:    make(map[string]*models.Session),
		trials:      make(map[string][]models.Trial),
		submissions: make(map[string]json.RawMessage),
	}
}

func (m *memRepo) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memRepo) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) ListSessions(_ context.Context, f models.SessionFilter) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memRepo) FinishSession(_ context.Context, id string, summary staircase.Summary, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionActive {
		return ErrSessionFinished
	}
	s.Status = models.SessionFinished
	s.Summary = &summary
	s.FinishedAt = &at
	return nil
}

func (m *memRepo) InsertTrial(_ context.Context, t *models.Trial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	for _, existing := range m.trials[t.SessionID] {
		if existing.TrialNumber == t.TrialNumber {
			return ErrTrialConflict
		}
	}
	m.nextTrialID++
	t.ID = m.nextTrialID
	t.CreatedAt = time.Now()
	m.trials[t.SessionID] = append(m.trials[t.SessionID], *t)
	return nil
}

func (m *memRepo) ListTrials(_ context.Context, sessionID string) ([]models.Trial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trialReads++
	return append([]models.Trial(nil), m.trials[sessionID]...), nil
}

func (m *memRepo) SaveSubmission(_ context.Context, req models.SubmitDataRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := req.Task + "/" + req.ID + "/" + req.Session
	prev, ok := m.submissions[key]
	if !ok || req.WriteMode == models.WriteOverwrite {
		m.submissions[key] = req.Data
		return nil
	}
	var a, b []json.RawMessage
	if err := json.Unmarshal(prev, &a); err != nil {
		return err
	}
	if err := json.Unmarshal(req.Data, &b); err != nil {
		return err
	}
	merged, err := json.Marshal(append(a, b...))
	if err != nil {
		return err
	}
	m.submissions[key] = merged
	return nil
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	docs []any
	err  error
}

func (f *fakeArchiver) Put(_ context.Context, key string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.docs = append(f.docs, v)
	return nil
}

func newTestService(t *testing.T, capacity int, cfg staircase.Config, opts ...Option) (*Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	svc, err := NewService(repo, config.Static(cfg), capacity, opts...)
	require.NoError(t, err)
	return svc, repo
}

func boolPtr(b bool) *bool { return &b }

func TestStartSession(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t, 8, staircase.DefaultConfig())

	sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "  p01 "})
	require.NoError(t, err)

	_, err = uuid.Parse(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "p01", sess.SubjectID)
	assert.Equal(t, defaultTask, sess.Task)
	assert.Equal(t, staircase.MethodClassic, sess.Method)
	assert.Equal(t, models.SessionActive, sess.Status)

	stored, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Config, stored.Config)
}

func TestStartSessionRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 8, staircase.DefaultConfig())

	_, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "   "})
	require.ErrorIs(t, err, ErrInvalidRequest)

	bad := staircase.DefaultConfig()
	bad.Method = "staircase"
	bad.StepSize = 0
	_, err = svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01", Config: &bad})
	require.Error(t, err)
	var cfgErr *staircase.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.True(t, IsClientError(err))
}

func TestStartSessionRejectsUnboundedOverride(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t, 8, staircase.DefaultConfig())

	tests := []struct {
		name   string
		mutate func(*staircase.Config)
	}{
		{"full int range", func(c *staircase.Config) {
			c.MinValue, c.MaxValue = math.MinInt, math.MaxInt
		}},
		{"huge max", func(c *staircase.Config) { c.MaxValue = 1 << 40 }},
		{"huge step", func(c *staircase.Config) { c.StepSize = math.MaxInt }},
		{"practice outside range", func(c *staircase.Config) { c.PracticeValue = 1000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := staircase.DefaultConfig()
			cfg.Method = staircase.MethodQuest
			tt.mutate(&cfg)

			_, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01", Config: &cfg})
			var cfgErr *staircase.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.True(t, IsClientError(err))
		})
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Empty(t, repo.sessions)
}

func TestStartSessionConfigOverride(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 8, staircase.DefaultConfig())

	cfg := staircase.DefaultConfig()
	cfg.Method = staircase.MethodQuest
	sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01", Task: "pilot", Config: &cfg})
	require.NoError(t, err)
	assert.Equal(t, staircase.MethodQuest, sess.Method)
	assert.Equal(t, "pilot", sess.Task)
}

func TestRecordResponseAdvancesAndStores(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t, 8, staircase.DefaultConfig())
	sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01"})
	require.NoError(t, err)

	next, err := svc.NextValue(ctx, sess.ID, "easy", false)
	require.NoError(t, err)
	assert.Equal(t, 40, next.Value)

	rt := 812.5
	resp, err := svc.RecordResponse(ctx, sess.ID, models.RecordResponseRequest{
		Condition: "easy",
		Correct:   boolPtr(true),
		Response:  "left",
		MoreSide:  "left",
		RTMs:      &rt,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TrialNumber)
	assert.Equal(t, 38, resp.NextValue)
	assert.Equal(t, 38, resp.Log.Value)
	assert.Equal(t, 1, resp.Log.TrialsSoFar)

	trials, err := repo.ListTrials(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, 40, trials[0].Presented)
	assert.Equal(t, 38, trials[0].NextValue)
	assert.Equal(t, staircase.ConditionEasy, trials[0].Condition)
	require.NotNil(t, trials[0].RTMs)
	assert.Equal(t, rt, *trials[0].RTMs)

	next, err = svc.NextValue(ctx, sess.ID, "easy", false)
	require.NoError(t, err)
	assert.Equal(t, 38, next.Value)

	// The difficult track is untouched.
	next, err = svc.NextValue(ctx, sess.ID, "difficult", false)
	require.NoError(t, err)
	assert.Equal(t, 40, next.Value)
}

func TestRecordResponseValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 8, staircase.DefaultConfig())
	sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01"})
	require.NoError(t, err)

	_, err = svc.RecordResponse(ctx, sess.ID, models.RecordResponseRequest{Condition: "easy"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.RecordResponse(ctx, sess.ID, models.RecordResponseRequest{Condition: "medium", Correct: boolPtr(true)})
	require.ErrorIs(t, err, staircase.ErrUnknownCondition)
	assert.True(t, IsClientError(err))

	_, err = svc.NextValue(ctx, uuid.NewString(), "easy", false)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPracticeTrialsServeFixedValue(t *testing.T) {
	ctx := context.Background()
	cfg := staircase.DefaultConfig()
	cfg.PracticeValue = 60
	svc, repo := newTestService(t, 8, cfg)
	sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01"})
	require.NoError(t, err)

	resp, err := svc.RecordResponse(ctx, sess.ID, models.RecordResponseRequest{
		Condition: "easy", IsPractice: true, Correct: boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, 60, resp.NextValue)
	assert.Equal(t, 0, resp.Log.TrialsSoFar)

	trials, err := repo.ListTrials(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.True(t, trials[0].IsPractice)
	assert.Equal(t, 60, trials[0].Presented)
}

type step struct {
	cond     string
	correct  bool
	practice bool
}

func scriptedSteps(n int) []step {
	steps := make([]step, 0, n)
	for i := 0; i < n; i++ {
		cond := "easy"
		if i%3 == 1 {
			cond = "difficult"
		}
		steps = append(steps, step{
			cond:     cond,
			correct:  i%4 != 3 && i%7 != 5,
			practice: i < 2,
		})
	}
	return steps
}

func TestReplayAfterEvictionMatchesUninterruptedRun(t *testing.T) {
	for _, method := range []staircase.Method{staircase.MethodClassic, staircase.MethodQuest} {
		t.Run(string(method), func(t *testing.T) {
			ctx := context.Background()
			cfg := staircase.DefaultConfig()
			cfg.Method = method
			svc, repo := newTestService(t, 1, cfg)

			steps := scriptedSteps(40)
			ref, err := staircase.New(cfg)
			require.NoError(t, err)

			sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01"})
			require.NoError(t, err)

			for i, s := range steps {
				if i == 20 {
					// Starting another session pushes the first out of the cache.
					_, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p02"})
					require.NoError(t, err)
					require.False(t, svc.live.Contains(sess.ID))
				}
				cond := staircase.Condition(s.cond)
				_, err := ref.NextValue(cond, s.practice)
				require.NoError(t, err)
				want, err := ref.RecordResponse(cond, s.correct, s.practice)
				require.NoError(t, err)

				got, err := svc.RecordResponse(ctx, sess.ID, models.RecordResponseRequest{
					Condition: s.cond, IsPractice: s.practice, Correct: boolPtr(s.correct),
				})
				require.NoError(t, err)
				require.Equal(t, want, got.NextValue, "step %d", i)
				require.Equal(t, i+1, got.TrialNumber)
			}
			assert.Equal(t, 1, repo.trialReads)

			wantSum, err := ref.Summary()
			require.NoError(t, err)
			gotSum, err := svc.Summary(ctx, sess.ID)
			require.NoError(t, err)
			if diff := cmp.Diff(wantSum, *gotSum); diff != "" {
				t.Errorf("summary mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReplayRebuildsFromTrials(t *testing.T) {
	cfg := staircase.DefaultConfig()
	ref, err := staircase.New(cfg)
	require.NoError(t, err)

	var trials []models.Trial
	for i, s := range scriptedSteps(12) {
		cond := staircase.Condition(s.cond)
		_, err := ref.NextValue(cond, s.practice)
		require.NoError(t, err)
		_, err = ref.RecordResponse(cond, s.correct, s.practice)
		require.NoError(t, err)
		trials = append(trials, models.Trial{TrialNumber: i + 1, Condition: cond, IsPractice: s.practice, Correct: s.correct})
	}

	est, err := Replay(cfg, trials)
	require.NoError(t, err)
	want, err := ref.Summary()
	require.NoError(t, err)
	got, err := est.Summary()
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replayed summary mismatch (-want +got):\n%s", diff)
	}

	_, err = Replay(cfg, []models.Trial{{TrialNumber: 1, Condition: "medium"}})
	require.ErrorIs(t, err, staircase.ErrUnknownCondition)
}

func TestInsertFailureDropsLiveSession(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t, 8, staircase.DefaultConfig())
	sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01"})
	require.NoError(t, err)

	repo.failInsert = errors.New("connection reset")
	_, err = svc.RecordResponse(ctx, sess.ID, models.RecordResponseRequest{Condition: "easy", Correct: boolPtr(true)})
	require.Error(t, err)
	assert.False(t, svc.live.Contains(sess.ID))

	// The unsaved response must not have moved the staircase.
	repo.failInsert = nil
	next, err := svc.NextValue(ctx, sess.ID, "easy", false)
	require.NoError(t, err)
	assert.Equal(t, 40, next.Value)
}

func TestFinishSession(t *testing.T) {
	ctx := context.Background()
	arch := &fakeArchiver{}
	svc, repo := newTestService(t, 8, staircase.DefaultConfig(), WithArchiver(arch))
	sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01"})
	require.NoError(t, err)

	events, cancel, err := svc.Subscribe(ctx, sess.ID)
	require.NoError(t, err)
	defer cancel()

	for _, correct := range []bool{true, false} {
		_, err := svc.RecordResponse(ctx, sess.ID, models.RecordResponseRequest{Condition: "easy", Correct: boolPtr(correct)})
		require.NoError(t, err)
	}

	done, err := svc.FinishSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, done.Status)
	require.NotNil(t, done.Summary)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, 2, done.Summary.Easy.TotalTrials)

	stored, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, stored.Status)

	require.Equal(t, []string{archive.SessionKey(defaultTask, sess.ID)}, arch.keys)
	doc, ok := arch.docs[0].(sessionArchive)
	require.True(t, ok)
	assert.Len(t, doc.Trials, 2)

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{models.EventTrial, models.EventTrial, models.EventFinished}, types)

	_, err = svc.RecordResponse(ctx, sess.ID, models.RecordResponseRequest{Condition: "easy", Correct: boolPtr(true)})
	require.ErrorIs(t, err, ErrSessionFinished)
	_, err = svc.FinishSession(ctx, sess.ID)
	require.ErrorIs(t, err, ErrSessionFinished)
	_, _, err = svc.Subscribe(ctx, sess.ID)
	require.ErrorIs(t, err, ErrSessionFinished)

	sum, err := svc.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, *done.Summary, *sum)
}

func TestFinishSessionSurvivesArchiveFailure(t *testing.T) {
	ctx := context.Background()
	arch := &fakeArchiver{err: errors.New("bucket unavailable")}
	svc, _ := newTestService(t, 8, staircase.DefaultConfig(), WithArchiver(arch))
	sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01"})
	require.NoError(t, err)

	done, err := svc.FinishSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, done.Status)
}

func TestFinishedSessionSurvivesEviction(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 1, staircase.DefaultConfig())
	sess, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p01"})
	require.NoError(t, err)
	_, err = svc.FinishSession(ctx, sess.ID)
	require.NoError(t, err)

	_, err = svc.StartSession(ctx, models.StartSessionRequest{SubjectID: "p02"})
	require.NoError(t, err)

	_, err = svc.NextValue(ctx, sess.ID, "easy", false)
	require.ErrorIs(t, err, ErrSessionFinished)
}

func TestSubmitData(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t, 8, staircase.DefaultConfig())

	resp, err := svc.SubmitData(ctx, models.SubmitDataRequest{Data: json.RawMessage(`[{"a":1},{"a":2}]`)})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 2, resp.Records)

	_, err = svc.SubmitData(ctx, models.SubmitDataRequest{WriteMode: models.WriteAppend, Data: json.RawMessage(`[{"a":3}]`)})
	require.NoError(t, err)

	var rows []map[string]int
	require.NoError(t, json.Unmarshal(repo.submissions["default_task/default_id/none"], &rows))
	assert.Equal(t, []map[string]int{{"a": 1}, {"a": 2}, {"a": 3}}, rows)

	_, err = svc.SubmitData(ctx, models.SubmitDataRequest{Data: json.RawMessage(`[{"a":9}]`)})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(repo.submissions["default_task/default_id/none"], &rows))
	assert.Equal(t, []map[string]int{{"a": 9}}, rows)
}

func TestSubmitDataValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 8, staircase.DefaultConfig())

	cases := []models.SubmitDataRequest{
		{WriteMode: "replace", Data: json.RawMessage(`[]`)},
		{},
		{Data: json.RawMessage(`{"a":1}`)},
	}
	for i, req := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, err := svc.SubmitData(ctx, req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestSubmitDataConsolidates(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t, 8, staircase.DefaultConfig())

	raw := `[
		{"trial_component":"dot_display","trial_number":1,"dot_difference":40,"time_elapsed":1000},
		{"trial_component":"dot_response","trial_number":1,"correct":true,"rt":500,"time_elapsed":1600},
		{"trial_component":"dot_display","trial_number":2,"dot_difference":38,"time_elapsed":2000}
	]`
	resp, err := svc.SubmitData(ctx, models.SubmitDataRequest{
		Task: "dots", ID: "p01", Session: "s1", Data: json.RawMessage(raw), ConsolidateData: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Records)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(repo.submissions["dots/p01/s1"], &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "dot_task", rows[0]["trial_type"])
	assert.Equal(t, float64(1000), rows[0]["trial_start_time"])
	assert.Equal(t, float64(600), rows[0]["trial_duration"])
}

func TestListSessionsClampsPaging(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 8, staircase.DefaultConfig())
	for i := 0; i < 3; i++ {
		_, err := svc.StartSession(ctx, models.StartSessionRequest{SubjectID: fmt.Sprintf("p%02d", i)})
		require.NoError(t, err)
	}

	list, err := svc.ListSessions(ctx, models.SessionFilter{Limit: 0, Offset: -4})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	finished := models.SessionFinished
	list, err = svc.ListSessions(ctx, models.SessionFilter{Status: &finished})
	require.NoError(t, err)
	assert.Empty(t, list)
}
