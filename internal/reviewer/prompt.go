package reviewer

import (
	"context"
	"fmt"
	"strings"
)

const (
	missingTicketFileSentinel = "[Ticket file not found]"
	noChangesSentinel         = "No changes detected"
	noTestOutputSentinel      = "[No test output found]"
)

// assemblePrompt composes the reviewer's stdin payload per spec.md §4.H:
// ticket file, code diff, test output, and the tail of session output.
func assemblePrompt(ctx context.Context, sess SessionInfo, files TicketFileReader, diffs DiffProvider, tests TestOutputReader, out OutputProvider, ringLines int) string {
	ticketFile, err := files.ReadTicketFile(ctx, sess.TicketID)
	if err != nil || strings.TrimSpace(ticketFile) == "" {
		ticketFile = missingTicketFileSentinel
	}

	diff, err := diffs.CodeDiff(ctx, sess.RepoPath)
	if err != nil || strings.TrimSpace(diff) == "" {
		diff = noChangesSentinel
	}
	if len(diff) > maxDiffChars {
		diff = diff[:maxDiffChars] + diffTruncation
	}

	testOutput, err := tests.ReadTestOutput(ctx, sess.RepoPath)
	if err != nil || strings.TrimSpace(testOutput) == "" {
		testOutput = noTestOutputSentinel
	}

	var tail string
	if lines, err := out.GetSessionOutput(sess.SessionID, ringLines); err == nil {
		tail = strings.Join(lines, "\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Ticket\n%s\n\n", ticketFile)
	fmt.Fprintf(&b, "## Diff\n%s\n\n", diff)
	fmt.Fprintf(&b, "## Test output\n%s\n\n", testOutput)
	fmt.Fprintf(&b, "## Session output (tail)\n%s\n", tail)
	return b.String()
}
