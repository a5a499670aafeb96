package registry

import (
	"testing"
	"time"
)

func TestRegisterParsesSchedule(t *testing.T) {
	t.Parallel()
	r := New()
	def, err := r.Register(JobDefinition{
		ID:           "daily_ingestion",
		ScheduleExpr: "0 6 * * *",
		Body:         BodyRef{Kind: "ingestion", Ref: "transactions"},
		Timeout:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if def.Version != 1 {
		t.Fatalf("Version = %d, want 1", def.Version)
	}
	if def.Schedule.IsZero() {
		t.Fatal("schedule should be parsed")
	}
	if def.Retry.MaxAttempts != 3 {
		t.Fatalf("default MaxAttempts = %d, want 3", def.Retry.MaxAttempts)
	}
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	r := New()
	_, err := r.Register(JobDefinition{
		ID:           "bad",
		ScheduleExpr: "99 * * * *",
		Body:         BodyRef{Kind: "ingestion"},
	})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if r.Len() != 0 {
		t.Fatal("failed registration must not mutate the registry")
	}
}

func TestReRegisterBumpsVersion(t *testing.T) {
	t.Parallel()
	r := New()
	first, err := r.Register(JobDefinition{ID: "j", ScheduleExpr: "@every 10m", Body: BodyRef{Kind: "report"}})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	second, err := r.Register(JobDefinition{ID: "j", ScheduleExpr: "@every 20m", Body: BodyRef{Kind: "report"}})
	if err != nil {
		t.Fatalf("re-Register error: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("versions = %d, %d, want 1, 2", first.Version, second.Version)
	}
	got, ok := r.Get("j")
	if !ok || got.ScheduleExpr != "@every 20m" {
		t.Fatalf("Get = %+v, want latest definition", got)
	}
}

func TestListSorted(t *testing.T) {
	t.Parallel()
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Register(JobDefinition{ID: id, ScheduleExpr: "@every 1h", Body: BodyRef{Kind: "report"}}); err != nil {
			t.Fatalf("Register(%s) error: %v", id, err)
		}
	}
	got := r.List()
	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("List order wrong: %v", got)
	}
}
