package action

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// ProcessSpec describes a worker subprocess. Input is encoded as the first
// protocol line sent to the child.
type ProcessSpec struct {
	Bin    string
	Args   []string
	Dir    string
	Env    []string
	Input  any
	Logger *slog.Logger
}

type processStarter struct {
	spec ProcessSpec
}

// Process runs the action in a child process speaking the line protocol
// served by Serve.
func Process(spec ProcessSpec) Starter {
	return processStarter{spec: spec}
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 64 * 1024
	}
	return &tailBuffer{
		buf: make([]byte, 0, max),
		max: max,
	}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	overflow := len(t.buf) + len(p) - t.max
	if overflow > 0 {
		t.buf = append(t.buf[:0], t.buf[overflow:]...)
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (s processStarter) Start(ctx context.Context, sink Sink) (Worker, error) {
	spec := s.spec
	if spec.Bin == "" {
		return nil, errors.New("missing binary")
	}
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureCommandForTermination(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrTail := newTailBuffer(64 * 1024)
	cmd.Stderr = stderrTail

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &processWorker{cmd: cmd, stdin: stdin, out: newLineWriter(stdin)}

	input, err := json.Marshal(spec.Input)
	if err != nil {
		w.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("encode worker input: %w", err)
	}
	if err := w.out.write(wireLine{Type: lineInput, Payload: input}); err != nil {
		w.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("send worker input: %w", err)
	}

	stop := context.AfterFunc(ctx, w.Terminate)

	go func() {
		terminal := readWorkerLines(stdout, sink, logger)
		err := cmd.Wait()
		stop()
		_ = stdin.Close()
		if terminal {
			return
		}
		sink.Reject(exitRejection(err, stderrTail.String()))
	}()

	return w, nil
}

// readWorkerLines forwards protocol lines to sink until EOF and reports
// whether a terminal line was seen. Lines that are not protocol JSON are
// logged as worker output.
func readWorkerLines(r io.Reader, sink Sink, logger *slog.Logger) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	terminal := false
	for scanner.Scan() {
		raw := scanner.Bytes()
		var line wireLine
		if err := json.Unmarshal(raw, &line); err != nil || line.Type == "" {
			logger.Debug("worker output", "line", string(raw))
			continue
		}
		switch line.Type {
		case lineProgress:
			sink.Progress(Progress{Message: line.Message, Detail: line.Detail, Notice: line.Notice})
		case lineResolve:
			terminal = true
			sink.Resolve(Result{Message: line.Message, Data: line.Data})
		case lineReject:
			terminal = true
			sink.Reject(Rejection{Message: line.Message, Details: line.Details})
		default:
			logger.Warn("unknown worker line", "type", line.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("reading worker output failed", "error", err)
	}
	return terminal
}

func exitRejection(err error, stderr string) Rejection {
	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		exitCode = 1
	}

	var details strings.Builder
	if tail := strings.TrimSpace(stderr); tail != "" {
		details.WriteString(tail)
		details.WriteString("\n")
	}
	fmt.Fprintf(&details, "worker exited with code %d without reporting a result", exitCode)
	return Rejection{Message: "worker exited unexpectedly", Details: details.String()}
}

type processWorker struct {
	cmd   *exec.Cmd
	stdin io.Closer
	out   *lineWriter
	once  sync.Once
}

func (w *processWorker) Send(msg Message) error {
	return w.out.write(wireLine{Type: lineMessage, Topic: msg.Topic, Payload: msg.Payload})
}

func (w *processWorker) Terminate() {
	w.once.Do(func() {
		_ = w.out.write(wireLine{Type: lineTerminate})
	})
}

func (w *processWorker) Kill() {
	terminateCommand(w.cmd)
}
