package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"finsched/internal/fault"
	"finsched/internal/registry"
	logx "finsched/pkg/logx"
)

func builtins(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := NewRegistry()
	RegisterBuiltins(r, cfg, logx.Nop())
	return r
}

func resolve(t *testing.T, r *Registry, kind, ref string) func(ctx context.Context) error {
	t.Helper()
	body, err := r.Resolve(registry.BodyRef{Kind: kind, Ref: ref})
	if err != nil {
		t.Fatalf("Resolve(%s): %v", kind, err)
	}
	return body
}

func TestBuiltinPostsPayloadRef(t *testing.T) {
	t.Parallel()
	var gotPath atomic.Value
	var gotRef atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath.Store(req.URL.Path)
		var body runRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		gotRef.Store(body.Ref)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	r := builtins(t, Config{IngestionURL: srv.URL})
	if err := resolve(t, r, "ingestion", "transactions")(context.Background()); err != nil {
		t.Fatalf("body error: %v", err)
	}
	if gotPath.Load() != "/ingest" {
		t.Fatalf("path = %v, want /ingest", gotPath.Load())
	}
	if gotRef.Load() != "transactions" {
		t.Fatalf("ref = %v, want transactions", gotRef.Load())
	}
}

func TestMLKindsShareBase(t *testing.T) {
	t.Parallel()
	paths := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		paths <- req.URL.Path
	}))
	defer srv.Close()

	r := builtins(t, Config{MLURL: srv.URL + "/"})
	if err := resolve(t, r, "categorize", "batch")(context.Background()); err != nil {
		t.Fatalf("categorize: %v", err)
	}
	if err := resolve(t, r, "forecast", "balances")(context.Background()); err != nil {
		t.Fatalf("forecast: %v", err)
	}
	want := map[string]bool{"/categorize": true, "/forecast": true}
	for i := 0; i < 2; i++ {
		if p := <-paths; !want[p] {
			t.Fatalf("unexpected path %s", p)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		want   fault.Kind
	}{
		{"client error is permanent", http.StatusUnprocessableEntity, fault.KindPermanent},
		{"not found is permanent", http.StatusNotFound, fault.KindPermanent},
		{"server error is transient", http.StatusBadGateway, fault.KindTransient},
		{"throttling is transient", http.StatusTooManyRequests, fault.KindTransient},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			r := builtins(t, Config{ReportURL: srv.URL})
			err := resolve(t, r, "report", "weekly")(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := fault.KindOf(err); got != tc.want {
				t.Fatalf("KindOf = %v, want %v (err %v)", got, tc.want, err)
			}
		})
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	srv.Close() // nothing listening anymore

	r := builtins(t, Config{IngestionURL: srv.URL})
	err := resolve(t, r, "ingestion", "x")(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fault.KindOf(err); got != fault.KindTransient {
		t.Fatalf("KindOf = %v, want transient (err %v)", got, err)
	}
}

func TestDeadlineIsTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	r := builtins(t, Config{ReportURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := resolve(t, r, "report", "weekly")(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fault.KindOf(err); got != fault.KindTimeout {
		t.Fatalf("KindOf = %v, want timeout (err %v)", got, err)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	t.Parallel()
	r := builtins(t, Config{})
	_, err := r.Resolve(registry.BodyRef{Kind: "teleport"})
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindPermanent {
		t.Fatalf("KindOf = %v, want permanent", fault.KindOf(err))
	}
}

func TestUnconfiguredCollaboratorIsPermanent(t *testing.T) {
	t.Parallel()
	r := builtins(t, Config{})
	err := resolve(t, r, "ingestion", "x")(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindPermanent {
		t.Fatalf("KindOf = %v, want permanent", fault.KindOf(err))
	}
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	t.Parallel()
	r := builtins(t, Config{})
	var calls int32
	r.Register("report", func(ref string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}
	})
	if err := resolve(t, r, "report", "weekly")(context.Background()); err != nil {
		t.Fatalf("body error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
