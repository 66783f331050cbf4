package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/cancel"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/storage"
)

type fakeAdmitter struct {
	got orchestrator.SubmitRequest
}

func (f *fakeAdmitter) Submit(ctx context.Context, req orchestrator.SubmitRequest) (string, error) {
	f.got = req
	return "run-new", nil
}

type fakeCanceller struct {
	result cancel.Result
}

func (f *fakeCanceller) RequestCancel(ctx context.Context, runID string, opts cancel.Options) (cancel.Result, error) {
	return f.result, nil
}

func newSurface(t *testing.T) (*Surface, *storage.Storage, *fakeAdmitter, *fakeCanceller) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	admit := &fakeAdmitter{}
	canceller := &fakeCanceller{}
	return New(admit, canceller, store), store, admit, canceller
}

func TestSubmit(t *testing.T) {
	s, _, admit, _ := newSurface(t)
	ctx := context.Background()

	_, err := s.Submit(ctx, SubmitRequest{WorkflowName: "  "})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindAdmission))

	id, err := s.Submit(ctx, SubmitRequest{WorkflowName: "build", Persistent: true, Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, "run-new", id)
	assert.Equal(t, orchestrator.SubmitRequest{WorkflowName: "build", Persistent: true, Branch: "main"}, admit.got)
}

func TestGetRunEchoesStoredStatus(t *testing.T) {
	s, store, _, _ := newSurface(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &models.Run{ID: "run-1", WorkflowName: "build"}))
	require.NoError(t, store.TransitionStatus(ctx, "run-1", models.RunStatusPending, models.RunStatusFailed,
		storage.TransitionOptions{ErrorMessage: "workspace error"}))

	view, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", view.Status)
	assert.Equal(t, "workspace error", view.ErrorMessage)
	assert.NotNil(t, view.CompletedAt)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListRunsTimeRangeAcrossZones(t *testing.T) {
	s, store, _, _ := newSurface(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateRun(ctx, &models.Run{
			ID:           id,
			WorkflowName: "build",
			CreatedAt:    base.Add(time.Duration(i) * time.Hour),
		}))
	}

	since := base.Add(30 * time.Minute)
	until := base.Add(90 * time.Minute)
	utc, err := s.ListRuns(ctx, ListFilter{Since: &since, Until: &until})
	require.NoError(t, err)

	tokyo := time.FixedZone("JST", 9*60*60)
	sinceJST := since.In(tokyo)
	untilJST := until.In(tokyo)
	zoned, err := s.ListRuns(ctx, ListFilter{Since: &sinceJST, Until: &untilJST})
	require.NoError(t, err)

	require.Len(t, utc, 1)
	assert.Equal(t, "b", utc[0].RunID)
	assert.Equal(t, utc, zoned)
}

func TestListRunsValidatesFilter(t *testing.T) {
	s, _, _, _ := newSurface(t)
	ctx := context.Background()

	_, err := s.ListRuns(ctx, ListFilter{Status: "stuck"})
	assert.True(t, models.IsKind(err, models.KindAdmission))

	now := time.Now()
	earlier := now.Add(-time.Hour)
	_, err = s.ListRuns(ctx, ListFilter{Since: &now, Until: &earlier})
	assert.True(t, models.IsKind(err, models.KindAdmission))
}

func TestCancelOutcome(t *testing.T) {
	s, _, _, canceller := newSurface(t)
	ctx := context.Background()

	canceller.result = cancel.Result{Status: models.RunStatusKilled, Accepted: true}
	outcome, err := s.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, CancelAccepted, outcome)

	canceller.result = cancel.Result{Status: models.RunStatusCompleted}
	outcome, err = s.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, CancelAlreadyTerminal, outcome)
}

func TestWaitReturnsTerminalView(t *testing.T) {
	s, store, _, _ := newSurface(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, &models.Run{ID: "run-1", WorkflowName: "build"}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.TransitionStatus(context.Background(), "run-1", models.RunStatusPending, models.RunStatusKilled, storage.TransitionOptions{})
	}()

	waitCtx, stop := context.WithTimeout(ctx, 5*time.Second)
	defer stop()
	view, err := s.Wait(waitCtx, "run-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "killed", view.Status)
}

func TestParseTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"2026-03-01T10:00:00+02:00": time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		"2026-03-01T10:00:00Z":      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		"2026-03-01T10:00:00":       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		"2026-03-01 10:00":          time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		"2026-03-01":                time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		"90m":                       time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
	}
	for input, want := range cases {
		got, err := ParseTimestamp(input, now)
		require.NoError(t, err, input)
		assert.True(t, want.Equal(got), "%s: got %s", input, got)
		assert.Equal(t, time.UTC, got.Location(), input)
	}

	_, err := ParseTimestamp("yesterday", now)
	assert.Error(t, err)
}
