package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	logx "summaryd/pkg/logx"
)

// CommandHandler runs an external command for each job, with the job payload
// on stdin. This is the hand-off point to the summary pipeline, which lives
// outside this daemon: the command receives the JSON payload and does the
// composing/delivery.
//
// The command's exit status decides the tracking outcome. Stderr is captured
// (truncated) into the failure message.
func CommandHandler(command []string, log logx.Logger) Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context, job Job) error {
		if len(command) == 0 {
			return fmt.Errorf("jobs.command is empty")
		}

		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Stdin = bytes.NewReader(job.Payload)
		cmd.Env = append(cmd.Environ(),
			"SUMMARYD_JOB_ID="+job.ID,
			"SUMMARYD_USER_ID="+job.UserID,
			"SUMMARYD_DATE="+job.Date,
			"SUMMARYD_KIND="+job.Kind,
		)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > 500 {
				msg = msg[:500]
			}
			if msg != "" {
				return fmt.Errorf("%s: %w: %s", command[0], err, msg)
			}
			return fmt.Errorf("%s: %w", command[0], err)
		}
		return nil
	}
}

// LogHandler is the fallback when no command is configured: it acknowledges
// the job and logs it, so a bare deployment still exercises the full
// schedule -> enqueue -> complete cycle.
func LogHandler(log logx.Logger) Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context, job Job) error {
		log.Info("job acknowledged (no command configured)",
			logx.String("job", job.ID), logx.String("user", job.UserID),
			logx.String("date", job.Date), logx.String("kind", job.Kind))
		return nil
	}
}
