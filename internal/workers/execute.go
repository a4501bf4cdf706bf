package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/ternarybob/opus/internal/models"
)

// TaskHandler is an in-process executor bound to a definition key. A nil
// error means the attempt succeeded; anything else fails it.
type TaskHandler func(ctx context.Context, job *models.Job, stdout, stderr io.Writer) error

// execResult is the raw outcome of one task execution before it is mapped
// onto an attempt status
type execResult struct {
	exitCode int
	err      error
}

// execute runs a claimed job: an in-process handler when one is registered
// for the definition key, otherwise the definition's command line. The
// payload reaches subprocesses on stdin and in OPUS_JOB_PAYLOAD.
func (r *Runtime) execute(ctx context.Context, def *models.JobDefinition, job *models.Job, stdout, stderr io.Writer) execResult {
	if handler, ok := r.handlers[def.Key]; ok {
		if err := handler(ctx, job, stdout, stderr); err != nil {
			return execResult{exitCode: 1, err: err}
		}
		return execResult{exitCode: 0}
	}

	if len(def.Command) == 0 {
		return execResult{exitCode: 1, err: fmt.Errorf("definition %q has no handler and no command", def.Key)}
	}

	cmd := exec.CommandContext(ctx, def.Command[0], def.Command[1:]...)
	cmd.Stdin = strings.NewReader(job.Payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"OPUS_JOB_ID="+job.ID,
		"OPUS_TENANT_ID="+job.TenantID,
		"OPUS_DEFINITION_KEY="+def.Key,
		"OPUS_JOB_PAYLOAD="+job.Payload,
		fmt.Sprintf("OPUS_ATTEMPT=%d", job.AttemptCount),
	)

	err := cmd.Run()
	if err == nil {
		return execResult{exitCode: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return execResult{exitCode: exitErr.ExitCode(), err: err}
	}
	return execResult{exitCode: 1, err: err}
}
