package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLineHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name  string
		level slog.Level
		msg   string
		attrs []slog.Attr
		want  string
	}{
		{
			name:  "info",
			level: slog.LevelInfo,
			msg:   "swept key requests",
			want:  "2024-06-15T14:30:45Z\tINFO\trun-1\tswept key requests\n",
		},
		{
			name:  "with attrs",
			level: slog.LevelWarn,
			msg:   "dropped to-device message",
			attrs: []slog.Attr{slog.String("user_id", "@bob:example.org"), slog.Int("count", 2)},
			want:  "2024-06-15T14:30:45Z\tWARN\trun-1\tdropped to-device message\tuser_id=@bob:example.org\tcount=2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &lineHandler{w: &buf, mu: &sync.Mutex{}, runID: "run-1"}

			r := slog.NewRecord(ts, tt.level, tt.msg, 0)
			r.AddAttrs(tt.attrs...)
			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "warn", "plain", "run-2")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestAdapt_JSONComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "debug", "json", "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	Adapt(l, "megolm").Debug("rotated session", "room_id", "!r:example.org")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["component"] != "megolm" || rec["room_id"] != "!r:example.org" || rec["msg"] != "rotated session" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNew_RejectsUnknown(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, "loud", "text", ""); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := New(&bytes.Buffer{}, "info", "xml", ""); err == nil {
		t.Fatal("expected format error")
	}
}
