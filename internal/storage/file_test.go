package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"finsched/internal/fault"
	"finsched/internal/registry"
	"finsched/internal/retry"
	logx "finsched/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "finsched")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v, want nil, nil", st, err)
	}
}

func TestJobDefinitionRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	def := registry.JobDefinition{
		ID:           "daily_ingestion",
		Version:      2,
		ScheduleExpr: "0 6 * * *",
		DependsOn:    []string{"bootstrap"},
		Timeout:      15 * time.Minute,
		Body:         registry.BodyRef{Kind: "ingestion", Ref: "transactions"},
		Retry: retry.Policy{
			MaxAttempts:    3,
			Backoff:        retry.BackoffExponential,
			Base:           5 * time.Second,
			Multiplier:     2,
			MaxDelay:       5 * time.Minute,
			JitterFraction: 0.2,
			RetryableKinds: []fault.Kind{fault.KindTransient, fault.KindTimeout},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := st.SaveJobDefinition(ctx, def); err != nil {
		t.Fatalf("SaveJobDefinition error: %v", err)
	}

	defs, err := st.LoadJobDefinitions(ctx)
	if err != nil {
		t.Fatalf("LoadJobDefinitions error: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("loaded %d defs, want 1", len(defs))
	}
	got := defs[0]
	if got.ID != def.ID || got.Version != 2 || got.ScheduleExpr != "0 6 * * *" {
		t.Fatalf("loaded def = %+v", got)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "bootstrap" {
		t.Fatalf("DependsOn = %v", got.DependsOn)
	}
	if got.Retry.MaxAttempts != 3 || got.Retry.Backoff != retry.BackoffExponential {
		t.Fatalf("Retry = %+v", got.Retry)
	}
	if len(got.Retry.RetryableKinds) != 2 {
		t.Fatalf("RetryableKinds = %v", got.Retry.RetryableKinds)
	}

	if err := st.DeleteJobDefinition(ctx, def.ID); err != nil {
		t.Fatalf("DeleteJobDefinition error: %v", err)
	}
	defs, err = st.LoadJobDefinitions(ctx)
	if err != nil || len(defs) != 0 {
		t.Fatalf("after delete: %v, %v", defs, err)
	}
}

func TestRunHistoryWindowAndOrder(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	recs := []RunRecord{
		{RunID: "r1", JobID: "a", FireTime: now.Add(-3 * time.Hour), Attempt: 1, StartedAt: now.Add(-3 * time.Hour), EndedAt: now.Add(-3 * time.Hour), Outcome: OutcomeFailed, ErrorKind: "transient"},
		{RunID: "r2", JobID: "a", FireTime: now.Add(-3 * time.Hour), Attempt: 2, StartedAt: now.Add(-2 * time.Hour), EndedAt: now.Add(-2 * time.Hour), Outcome: OutcomeSucceeded},
		{RunID: "r3", JobID: "b", FireTime: now.Add(-time.Hour), Attempt: 1, StartedAt: now.Add(-time.Hour), EndedAt: now.Add(-time.Hour), Outcome: OutcomeSucceeded},
		{RunID: "r4", JobID: "a", FireTime: now.Add(-30 * time.Hour), Attempt: 1, StartedAt: now.Add(-30 * time.Hour), EndedAt: now.Add(-30 * time.Hour), Outcome: OutcomeSucceeded},
	}
	for _, r := range recs {
		if err := st.AppendRunRecord(ctx, r); err != nil {
			t.Fatalf("AppendRunRecord error: %v", err)
		}
	}

	got, err := st.LoadRunHistory(ctx, "a", 24*time.Hour)
	if err != nil {
		t.Fatalf("LoadRunHistory error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d records, want 2 (windowed, job a only)", len(got))
	}
	if got[0].RunID != "r1" || got[1].RunID != "r2" {
		t.Fatalf("order = %s, %s, want r1, r2", got[0].RunID, got[1].RunID)
	}

	all, err := st.LoadRunHistory(ctx, "", 0)
	if err != nil || len(all) != 4 {
		t.Fatalf("all records: %d, %v, want 4", len(all), err)
	}
}

func TestPruneRunRecords(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := RunRecord{RunID: "old", JobID: "a", Attempt: 1, StartedAt: now.Add(-48 * time.Hour), EndedAt: now.Add(-48 * time.Hour), Outcome: OutcomeSucceeded}
	fresh := RunRecord{RunID: "fresh", JobID: "a", Attempt: 1, StartedAt: now, EndedAt: now, Outcome: OutcomeSucceeded}
	if err := st.AppendRunRecord(ctx, old); err != nil {
		t.Fatalf("append error: %v", err)
	}
	if err := st.AppendRunRecord(ctx, fresh); err != nil {
		t.Fatalf("append error: %v", err)
	}

	if err := st.PruneRunRecords(ctx, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("PruneRunRecords error: %v", err)
	}
	got, err := st.LoadRunHistory(ctx, "", 0)
	if err != nil {
		t.Fatalf("LoadRunHistory error: %v", err)
	}
	if len(got) != 1 || got[0].RunID != "fresh" {
		t.Fatalf("after prune: %+v, want only fresh", got)
	}

	// Appends keep working against the compacted log.
	if err := st.AppendRunRecord(ctx, RunRecord{RunID: "post", JobID: "a", Attempt: 1, StartedAt: now, EndedAt: now, Outcome: OutcomeFailed}); err != nil {
		t.Fatalf("append after prune error: %v", err)
	}
	got, _ = st.LoadRunHistory(ctx, "", 0)
	if len(got) != 2 {
		t.Fatalf("after post-prune append: %d records, want 2", len(got))
	}
}

func TestReopenKeepsState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "finsched")}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	def := registry.JobDefinition{ID: "j", ScheduleExpr: "@every 1h", Body: registry.BodyRef{Kind: "report"}, Version: 1}
	if err := st.SaveJobDefinition(ctx, def); err != nil {
		t.Fatalf("save error: %v", err)
	}
	now := time.Now()
	if err := st.AppendRunRecord(ctx, RunRecord{RunID: "r", JobID: "j", Attempt: 1, StartedAt: now, EndedAt: now, Outcome: OutcomeSucceeded}); err != nil {
		t.Fatalf("append error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st2.Close()
	defs, err := st2.LoadJobDefinitions(ctx)
	if err != nil || len(defs) != 1 {
		t.Fatalf("defs after reopen: %v, %v", defs, err)
	}
	hist, err := st2.LoadRunHistory(ctx, "j", 0)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history after reopen: %v, %v", hist, err)
	}
}
