package ffmpeg

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Runner executes an external media command.
type Runner interface {
	Run(ctx context.Context, name string, args []string) error
}

// ExecRunner runs commands with os/exec, killing them when ctx ends.
type ExecRunner struct {
	log *logrus.Logger
}

func NewExecRunner(log *logrus.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.log.WithFields(logrus.Fields{"cmd": name, "args": strings.Join(args, " ")}).Debug("Running media command")
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "%s interrupted", name)
		}
		return errors.Wrapf(err, "%s failed: %s", name, tail(stderr.String(), 800))
	}
	return nil
}

// tail keeps the last n bytes of a noisy stderr stream.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
