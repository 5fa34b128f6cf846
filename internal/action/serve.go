package action

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// TaskFactory builds the task for a worker subprocess from its input line.
type TaskFactory func(input json.RawMessage) (Task, error)

// Serve runs the worker side of the line protocol: it reads the input line
// from in, runs the task built by factory and writes progress and exactly
// one terminal line to out. A terminate line or EOF on in cancels the task.
func Serve(ctx context.Context, factory TaskFactory, in io.Reader, out io.Writer) error {
	writer := newLineWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read worker input: %w", err)
		}
		return errors.New("worker input missing")
	}
	var first wireLine
	if err := json.Unmarshal(scanner.Bytes(), &first); err != nil || first.Type != lineInput {
		return errors.New("first worker line must be input")
	}

	sink := &lineSink{out: writer}
	task, err := factory(first.Payload)
	if err != nil {
		sink.Reject(Rejection{Message: err.Error()})
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	messages := make(chan Message, messageBacklog)

	go func() {
		defer cancel()
		for scanner.Scan() {
			var line wireLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			switch line.Type {
			case lineTerminate:
				return
			case lineMessage:
				select {
				case messages <- Message{Topic: line.Topic, Payload: line.Payload}:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()

	runTask(runCtx, task, &chanReporter{sink: sink, messages: messages}, sink)
	return sink.err
}

type lineSink struct {
	out *lineWriter
	err error
}

func (s *lineSink) Progress(p Progress) {
	_ = s.out.write(wireLine{Type: lineProgress, Message: p.Message, Detail: p.Detail, Notice: p.Notice})
}

func (s *lineSink) Resolve(r Result) {
	s.err = s.out.write(wireLine{Type: lineResolve, Message: r.Message, Data: r.Data})
}

func (s *lineSink) Reject(r Rejection) {
	s.err = s.out.write(wireLine{Type: lineReject, Message: r.Message, Details: r.Details})
}
