//go:build unix

package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

const fakeFFprobe = `#!/bin/sh
echo '{"streams":[],"format":{}}'
`

// installFakeFFmpeg puts ffmpeg and ffprobe scripts first on PATH
func installFakeFFmpeg(t *testing.T, ffmpegScript string) {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ffmpeg"), []byte(ffmpegScript), 0755); err != nil {
		t.Fatalf("Failed to write fake ffmpeg: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ffprobe"), []byte(fakeFFprobe), 0755); err != nil {
		t.Fatalf("Failed to write fake ffprobe: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestFFmpegTranscoderRecordWritesOutput(t *testing.T) {
	installFakeFFmpeg(t, `#!/bin/sh
for last; do :; done
echo "$@" > "$last.args"
printf 'mp4' > "$last"
`)

	out := filepath.Join(t.TempDir(), "2", "1758549787000.mp4")
	tr := NewFFmpegTranscoder()

	err := tr.Record(context.Background(), "rtsp://cam-2/stream", out, 2*time.Second)
	if err != nil {
		t.Fatalf("Expected recording to succeed, got %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Expected output file to exist: %v", err)
	}
	if string(data) != "mp4" {
		t.Errorf("Expected output written by ffmpeg, got %q", data)
	}

	args, err := os.ReadFile(out + ".args")
	if err != nil {
		t.Fatalf("Failed to read ffmpeg arguments: %v", err)
	}
	for _, want := range []string{"-i rtsp://cam-2/stream", "-c:v copy", "-an", "-t 2", "-f mp4"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("Expected ffmpeg arguments to contain %q, got %q", want, args)
		}
	}
}

func TestFFmpegTranscoderRecordReportsExitStatus(t *testing.T) {
	installFakeFFmpeg(t, `#!/bin/sh
exit 1
`)

	out := filepath.Join(t.TempDir(), "1.mp4")
	err := NewFFmpegTranscoder().Record(context.Background(), "rtsp://cam-1/stream", out, time.Second)
	if err == nil {
		t.Fatal("Expected an error when ffmpeg exits non-zero")
	}
	if !strings.Contains(err.Error(), "transcoding failed") {
		t.Errorf("Expected transcoding failure, got %v", err)
	}
}

func TestFFmpegTranscoderKillsProcessOnTimeout(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "ffmpeg.pid")
	t.Setenv("FAKE_FFMPEG_PIDFILE", pidFile)
	installFakeFFmpeg(t, `#!/bin/sh
echo $$ > "$FAKE_FFMPEG_PIDFILE"
exec sleep 30
`)

	tr := &FFmpegTranscoder{stopGrace: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.Record(ctx, "rtsp://cam-3/stream", filepath.Join(t.TempDir(), "3.mp4"), 10*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected Record to return shortly after the deadline, took %s", elapsed)
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("Expected ffmpeg to have started: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("Failed to parse pid %q: %v", raw, err)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		syscall.Kill(pid, syscall.SIGKILL)
		t.Errorf("Expected ffmpeg process %d to be gone, got %v", pid, err)
	}
}

func TestFFmpegTranscoderAsksFFmpegToQuitFirst(t *testing.T) {
	installFakeFFmpeg(t, `#!/bin/sh
read cmd
[ "$cmd" = "q" ] && exit 0
exit 2
`)

	tr := &FFmpegTranscoder{stopGrace: 20 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.Record(ctx, "rtsp://cam-4/stream", filepath.Join(t.TempDir(), "4.mp4"), 10*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected ffmpeg to quit on request before the kill grace, took %s", elapsed)
	}
}

func TestFFmpegTranscoderCancelledBeforeStart(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "ffmpeg.pid")
	t.Setenv("FAKE_FFMPEG_PIDFILE", pidFile)
	installFakeFFmpeg(t, `#!/bin/sh
echo $$ > "$FAKE_FFMPEG_PIDFILE"
`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewFFmpegTranscoder().Record(ctx, "rtsp://cam-5/stream", filepath.Join(t.TempDir(), "5.mp4"), time.Second)
	if err == nil {
		t.Fatal("Expected an error for a cancelled context")
	}
	if _, statErr := os.Stat(pidFile); !os.IsNotExist(statErr) {
		t.Errorf("Expected ffmpeg not to be started, stat returned %v", statErr)
	}
}
