// Package external runs helper programs that speak JSON over stdin/stdout.
//
// mailpilot delegates classification or mailbox access to an external
// program when no built-in adapter fits (for example an AppleScript bridge
// to a desktop mail client). The request is written to the program's stdin
// as JSON; the program prints a JSON response on stdout.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/daviddao/mailpilot/internal/failure"
)

// ExitTempFail is the sysexits EX_TEMPFAIL code. Helpers exit with it to
// signal a transient failure worth retrying.
const ExitTempFail = 75

// ExitStale signals that the item handle no longer resolves.
const ExitStale = 76

// Available checks if the program is on PATH (or is an existing path).
func Available(program string) bool {
	_, err := exec.LookPath(program)
	return err == nil
}

// Run executes argv with input encoded as JSON on stdin and decodes stdout
// into output (skipped when output is nil or stdout is empty). Failures are classified:
// EX_TEMPFAIL and timeouts are transient, ExitStale is stale, everything
// else is permanent.
func Run(ctx context.Context, argv []string, input, output any) error {
	if len(argv) == 0 {
		return failure.Permanentf("exec", "no command configured")
	}
	op := argv[0]

	var stdin bytes.Buffer
	if input != nil {
		if err := json.NewEncoder(&stdin).Encode(input); err != nil {
			return failure.Wrap(op, failure.Permanent, fmt.Errorf("encode request: %w", err))
		}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = &stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return failure.Wrap(op, failure.Transient, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			switch exitErr.ExitCode() {
			case ExitTempFail:
				return failure.Transientf(op, "%s", msg)
			case ExitStale:
				return failure.Stalef(op, "%s", msg)
			}
			return failure.Permanentf(op, "%s", msg)
		}
		return failure.Wrap(op, failure.Permanent, err)
	}

	out = bytes.TrimSpace(out)
	if output == nil || len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, output); err != nil {
		return failure.Wrap(op, failure.Transient, fmt.Errorf("parse %s output: %w", op, err))
	}
	return nil
}
