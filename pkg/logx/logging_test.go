package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileSinkWritesStructuredLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.Info("run recorded",
		String("job", "daily_ingestion"),
		Int("attempt", 2),
		Duration("latency", 150*time.Millisecond))
	log.Debug("detail", Bool("ok", true))

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(raw)
	for _, want := range []string{"run recorded", "daily_ingestion", `"attempt":2`, "detail"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestLevelGatesOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{
		Level: "warn",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug must be gated at warn level")
	}
	log.Debug("hidden")
	log.Warn("visible")

	svc.Close()
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "hidden") {
		t.Fatalf("gated line written:\n%s", raw)
	}
	if !strings.Contains(string(raw), "visible") {
		t.Fatalf("warn line missing:\n%s", raw)
	}
}

func TestWithAddsFixedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.With(String("comp", "scheduler")).Info("started")

	svc.Close()
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"comp":"scheduler"`) {
		t.Fatalf("fixed field missing:\n%s", raw)
	}
}

func TestNopAndZeroValueAreSafe(t *testing.T) {
	t.Parallel()
	Nop().Error("dropped", Err(os.ErrClosed))
	var zero Logger
	zero.Info("dropped")
	if !zero.IsZero() {
		t.Fatal("zero Logger must report IsZero")
	}
}
