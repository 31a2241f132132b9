package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"asklepios/internal/model"
)

// Launcher runs exactly one worker invocation and joins it
// synchronously. Both implementations move the job through the
// serialized envelope, so worker and engine never share state no
// matter where the worker executes.
type Launcher interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// TaskLauncher runs the worker as an in-process task. The request and
// result still round-trip through the codec: the task sees only the
// snapshot, exactly as a child process would.
type TaskLauncher struct{}

func (TaskLauncher) Invoke(ctx context.Context, req Request) (Result, error) {
	payload, err := EncodeRequest(req)
	if err != nil {
		return Result{}, err
	}
	done := make(chan []byte, 1)
	go func() {
		out, err := serveOne(payload)
		if err != nil {
			out, _ = EncodeResult(Result{
				ID:           req.ID,
				Op:           req.Op,
				ErrorCode:    model.ServerError,
				ErrorMessage: err.Error(),
			})
		}
		done <- out
	}()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case out := <-done:
		return DecodeResult(out)
	}
}

// ProcessLauncher spawns the worker as a child process for memory
// isolation, speaking the envelope over stdin/stdout.
type ProcessLauncher struct {
	Binary string
	Args   []string
}

func (l *ProcessLauncher) Invoke(ctx context.Context, req Request) (Result, error) {
	binary := l.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return Result{}, err
		}
		binary = self
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}
	payload, err := EncodeRequest(req)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("worker process: %w", err)
	}
	return DecodeResult(out.Bytes())
}

// Serve reads one request envelope, runs it, and writes the result:
// the child-process end of ProcessLauncher.
func Serve(in io.Reader, out io.Writer) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	result, err := serveOne(payload)
	if err != nil {
		return err
	}
	_, err = out.Write(result)
	return err
}

func serveOne(payload []byte) ([]byte, error) {
	req, err := DecodeRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return EncodeResult(Run(req))
}
