package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/config"
	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/pipeline"
	"github.com/rednebmas/mem/internal/store"
)

func TestInstanceDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	t.Setenv("MEM_INSTANCE", "")
	if got := instanceDir(""); got != filepath.Join(home, ".mem") {
		t.Errorf("default = %q", got)
	}
	t.Setenv("MEM_INSTANCE", "/srv/mem/work")
	if got := instanceDir(""); got != "/srv/mem/work" {
		t.Errorf("env = %q", got)
	}
	if got := instanceDir("~/alt"); got != filepath.Join(home, "alt") {
		t.Errorf("flag = %q", got)
	}
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if d.Year() != 2026 || d.Month() != time.March || d.Day() != 2 || d.Hour() != 0 {
		t.Errorf("parseDate = %v", d)
	}
	if _, err := parseDate("03/02/2026"); err == nil {
		t.Error("expected error for wrong layout")
	}
}

func TestOneLine(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"multi\nline   text", 20, "multi line text"},
		{"abcdefghijkl", 8, "abcde..."},
	}
	for _, tt := range tests {
		if got := oneLine(tt.in, tt.n); got != tt.want {
			t.Errorf("oneLine(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(buf.String(), "mem dev\n") || !strings.Contains(buf.String(), "go:") {
		t.Errorf("version output = %q", buf.String())
	}

	buf.Reset()
	versionShort = true
	defer func() { versionShort = false }()
	versionCmd.Run(versionCmd, nil)
	if buf.String() != "dev\n" {
		t.Errorf("short version = %q", buf.String())
	}
}

func TestRunWithInstanceDir(t *testing.T) {
	dir := t.TempDir()
	cfg := "name: Sam\nllm:\n  provider: ollama\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"run", "--dry-run", "-i", dir})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		runDryRun = false
		instanceFlag = ""
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("run --dry-run: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "0 new entries, not committed") {
		t.Errorf("output = %q", out.String())
	}
}

func TestNewScheduler(t *testing.T) {
	cfg := config.Default()
	inst := &pipeline.Instance{Config: &cfg}

	c, err := newScheduler(context.Background(), inst, zap.NewNop())
	if err != nil || c != nil {
		t.Errorf("no schedule: %v %v", c, err)
	}

	cfg.Schedule = "not a schedule"
	if _, err := newScheduler(context.Background(), inst, zap.NewNop()); !memerrors.Is(err, memerrors.KindConfig) {
		t.Errorf("bad schedule err = %v", err)
	}

	cfg.Schedule = "*/30 * * * *"
	c, err = newScheduler(context.Background(), inst, zap.NewNop())
	if err != nil || c == nil || len(c.Entries()) != 1 {
		t.Errorf("schedule: %v %v", c, err)
	}
}

func TestWriteTreeShowsSummary(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Now()
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	alex, _, err := tx.UpsertTopic(ctx, []string{"People", "Alex"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.UpdateTopicActivity(ctx, alex, "- Dinner on Thursday\n- Owes a book", now, 2); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tx.UpsertTopic(ctx, []string{"People", "Blake"}, now); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	snap, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := writeTree(&buf, snap, map[int64]float64{alex: 2}, 0.5, false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Dinner on Thursday; Owes a book") {
		t.Errorf("summary column missing:\n%s", out)
	}
	if strings.Contains(out, "Blake") {
		t.Errorf("decayed topic shown without --all:\n%s", out)
	}

	buf.Reset()
	if err := writeTree(&buf, snap, map[int64]float64{alex: 2}, 0.5, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Blake") {
		t.Errorf("--all hides topics:\n%s", buf.String())
	}
}
