package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxcall-labs/voxcall-core/internal/config"
	"github.com/voxcall-labs/voxcall-core/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.CallStoreConfig{RetentionMode: "ephemeral"}
	cs, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	if err := cs.RecordCallStart(ctx, "c1", "caller", "trace", time.Now()); err != nil {
		t.Fatalf("ephemeral record should be a no-op: %v", err)
	}
	if _, err := cs.Call(ctx, "c1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("ephemeral store should keep nothing, got %v", err)
	}
}

func TestCallTimelineRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.CallStoreConfig{Path: filepath.Join(tmp, "calls.db"), RetentionMode: "session"}
	cs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open call store: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	ctx := context.Background()
	started := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if err := cs.RecordCallStart(ctx, "call-1", "+15550100", "trace-1", started); err != nil {
		t.Fatalf("record start: %v", err)
	}
	turns := []session.Turn{
		{Seq: 0, Speaker: session.SpeakerCaller, Text: "what are your hours", Timestamp: started.Add(2 * time.Second)},
		{Seq: 1, Speaker: session.SpeakerAgent, Text: "nine to five", Timestamp: started.Add(4 * time.Second)},
	}
	for _, turn := range turns {
		if err := cs.RecordTurn(ctx, "call-1", turn); err != nil {
			t.Fatalf("record turn %d: %v", turn.Seq, err)
		}
	}
	if err := cs.RecordCallEnd(ctx, "call-1", "caller_hangup", started.Add(10*time.Second)); err != nil {
		t.Fatalf("record end: %v", err)
	}

	rec, err := cs.Call(ctx, "call-1")
	if err != nil {
		t.Fatalf("fetch call: %v", err)
	}
	if rec.CallerID != "+15550100" || rec.TraceID != "trace-1" || rec.EndReason != "caller_hangup" {
		t.Fatalf("unexpected call record: %+v", rec)
	}
	if rec.EndedAt.IsZero() {
		t.Fatal("end timestamp missing")
	}

	got, err := cs.Turns(ctx, "call-1", 10)
	if err != nil {
		t.Fatalf("fetch turns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got))
	}
	if got[0].Seq != 0 || got[0].Speaker != "caller" || got[1].Seq != 1 || got[1].Speaker != "agent" {
		t.Fatalf("unexpected turn order: %+v", got)
	}
}

func TestDuplicateTurnIgnored(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.CallStoreConfig{Path: filepath.Join(tmp, "calls.db"), RetentionMode: "session"}
	cs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open call store: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	ctx := context.Background()
	if err := cs.RecordCallStart(ctx, "call-1", "caller", "trace", time.Now()); err != nil {
		t.Fatalf("record start: %v", err)
	}
	turn := session.Turn{Seq: 0, Speaker: session.SpeakerCaller, Text: "hello", Timestamp: time.Now()}
	if err := cs.RecordTurn(ctx, "call-1", turn); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	turn.Text = "replayed"
	if err := cs.RecordTurn(ctx, "call-1", turn); err != nil {
		t.Fatalf("replayed insert should not error: %v", err)
	}
	got, err := cs.Turns(ctx, "call-1", 10)
	if err != nil {
		t.Fatalf("fetch turns: %v", err)
	}
	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("replay must not overwrite: %+v", got)
	}
}

func TestPruneByDaysAndCalls(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.CallStoreConfig{Path: filepath.Join(tmp, "calls.db"), RetentionMode: "persistent", RetentionDays: 1, MaxCalls: 1}
	cs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open call store: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := cs.RecordCallStart(ctx, "old-call", "caller", "trace", old); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := cs.RecordTurn(ctx, "old-call", session.Turn{Seq: 0, Speaker: session.SpeakerCaller, Text: "x", Timestamp: old}); err != nil {
		t.Fatalf("record old turn: %v", err)
	}

	cs.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := cs.RecordCallStart(ctx, "new-call", "caller", "trace", cs.clock()); err != nil {
		t.Fatalf("record new: %v", err)
	}
	if err := cs.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := cs.Call(ctx, "old-call"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("old call should be pruned, got %v", err)
	}
	turns, err := cs.Turns(ctx, "old-call", 10)
	if err != nil {
		t.Fatalf("fetch pruned turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatal("turns should cascade with their call")
	}
	if _, err := cs.Call(ctx, "new-call"); err != nil {
		t.Fatalf("new call should survive: %v", err)
	}

	calls, err := cs.RecentCalls(ctx, 10)
	if err != nil {
		t.Fatalf("recent calls: %v", err)
	}
	if len(calls) != 1 || calls[0].CallID != "new-call" {
		t.Fatalf("unexpected recent calls: %+v", calls)
	}
}
