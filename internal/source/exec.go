package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os/exec"
	"path"

	"github.com/mattn/go-shellwords"
)

type execFetcher struct {
	cmd []string
}

// NewExecFetcher runs command with the reference appended as the final
// argument and takes stdout as the payload. A non-zero exit is a failed
// resolution, not an error.
func NewExecFetcher(command string) (Fetcher, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse fetch command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("fetch command empty")
	}
	return &execFetcher{cmd: args}, nil
}

func (e *execFetcher) Fetch(ctx context.Context, ref string) (Result, error) {
	args := append(append([]string{}, e.cmd[1:]...), ref)
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{StatusCode: exitErr.ExitCode()}, nil
		}
		return Result{}, err
	}
	return Result{
		OK:          true,
		Data:        stdout.Bytes(),
		ContentType: mime.TypeByExtension(path.Ext(ref)),
	}, nil
}
