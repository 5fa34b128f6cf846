package action

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("posix shell script test")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func startProcess(t *testing.T, script string, grace time.Duration) (*Handle, *recorder) {
	t.Helper()
	l := newTestLoop(t)
	h, err := Start(context.Background(), CheckMods, Process(ProcessSpec{Bin: script, Input: map[string]string{"k": "v"}}), Options{Dispatcher: l, Grace: grace})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := newRecorder()
	rec.subscribe(t, h)
	return h, rec
}

func TestProcessWorkerReportsProgressAndResult(t *testing.T) {
	script := writeScript(t, `read input
echo '{"type":"progress","message":"checking","detail":0.5}'
echo 'not a protocol line'
echo '{"type":"resolve","message":"checked","data":[1,2]}'
`)
	_, rec := startProcess(t, script, 0)
	rec.wait(t)

	kinds := rec.snapshot()
	if len(kinds) != 2 || kinds[0] != KindProgress || kinds[1] != KindResolved {
		t.Fatalf("unexpected events: %v", kinds)
	}
	if rec.progress[0].Detail != 0.5 {
		t.Fatalf("unexpected detail %v", rec.progress[0].Detail)
	}
	if string(rec.result.Data) != "[1,2]" {
		t.Fatalf("unexpected data %s", rec.result.Data)
	}
}

func TestProcessWorkerExitWithoutResultIsRejected(t *testing.T) {
	script := writeScript(t, `read input
echo "fatal: index corrupted" >&2
exit 3
`)
	_, rec := startProcess(t, script, 0)
	rec.wait(t)

	if rec.reject.Message != "worker exited unexpectedly" {
		t.Fatalf("unexpected message %q", rec.reject.Message)
	}
	if !strings.Contains(rec.reject.Details, "fatal: index corrupted") {
		t.Fatalf("expected stderr tail in details, got %q", rec.reject.Details)
	}
	if !strings.Contains(rec.reject.Summary(), "code 3") {
		t.Fatalf("expected exit code in summary, got %q", rec.reject.Summary())
	}
}

func TestProcessWorkerAcknowledgesTermination(t *testing.T) {
	script := writeScript(t, `read input
echo '{"type":"progress","message":"seeding","detail":1}'
while read line; do
  case "$line" in
    *terminate*) echo '{"type":"reject","message":"terminated"}'; exit 0 ;;
  esac
done
`)
	h, rec := startProcess(t, script, 5*time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for len(rec.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.RequestTermination()
	rec.wait(t)

	if rec.reject.Message != TerminatedMessage || !rec.reject.Terminated {
		t.Fatalf("expected acknowledged termination, got %+v", rec.reject)
	}
}

func TestProcessWorkerIgnoringTerminationIsKilled(t *testing.T) {
	script := writeScript(t, `read input
trap '' TERM
sleep 30
`)
	h, rec := startProcess(t, script, 50*time.Millisecond)
	h.RequestTermination()
	rec.wait(t)

	if !rec.reject.Terminated || rec.reject.Message != TerminatedMessage {
		t.Fatalf("expected forced termination, got %+v", rec.reject)
	}
}

func TestServeRunsTaskOverLineProtocol(t *testing.T) {
	in := strings.NewReader(`{"type":"input","payload":{"name":"tacbf"}}` + "\n")
	out := &bytes.Buffer{}

	factory := func(input json.RawMessage) (Task, error) {
		var req struct{ Name string }
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		return func(ctx context.Context, r Reporter) (Result, error) {
			r.Progress(Progress{Message: "working on " + req.Name, Detail: 0.25})
			return Result{Message: "done " + req.Name}, nil
		}, nil
	}
	if err := Serve(context.Background(), factory, in, out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	var progress, resolve wireLine
	_ = json.Unmarshal([]byte(lines[0]), &progress)
	_ = json.Unmarshal([]byte(lines[1]), &resolve)
	if progress.Type != lineProgress || progress.Message != "working on tacbf" {
		t.Fatalf("unexpected progress line %q", lines[0])
	}
	if resolve.Type != lineResolve || resolve.Message != "done tacbf" {
		t.Fatalf("unexpected resolve line %q", lines[1])
	}
}

func TestServeCancelsTaskOnTerminate(t *testing.T) {
	pr, pw := io.Pipe()
	out := &bytes.Buffer{}
	started := make(chan struct{})

	factory := func(json.RawMessage) (Task, error) {
		return func(ctx context.Context, r Reporter) (Result, error) {
			close(started)
			<-ctx.Done()
			return Result{}, ctx.Err()
		}, nil
	}

	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), factory, pr, out) }()

	_, _ = io.WriteString(pw, `{"type":"input"}`+"\n")
	<-started
	_, _ = io.WriteString(pw, `{"type":"terminate"}`+"\n")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop after terminate")
	}
	_ = pw.Close()

	var line wireLine
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line.Type != lineReject || line.Message != TerminatedMessage {
		t.Fatalf("unexpected final line %+v", line)
	}
}
