package reviewer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// rawDecision is the JSON shape the reviewer CLI writes to stdout.
type rawDecision struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
}

// runProcess spawns the reviewer binary, writes prompt to stdin, and
// parses its stdout decision. It never blocks past cfg.Timeout.
func runProcess(ctx context.Context, cfg Config, prompt string) (Decision, error) {
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return Decision{}, ErrReviewerBinaryMissing
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.Binary, "--model", cfg.Model)
	cmd.Stdin = bytes.NewBufferString(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Decision{}, ErrReviewTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return Decision{}, ErrReviewCancelled
	case err != nil:
		return Decision{}, fmt.Errorf("%w: %s", ErrReviewExecutionError, stderr.String())
	}

	var raw rawDecision
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &raw); err != nil {
		return Decision{}, fmt.Errorf("%w: unparsable decision: %v", ErrReviewExecutionError, err)
	}
	return Decision{Result: raw.Decision, Reasoning: raw.Reasoning}, nil
}
