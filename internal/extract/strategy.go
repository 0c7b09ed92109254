package extract

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"unicode/utf8"
)

// OutcomeKind classifies the result of one extraction strategy.
type OutcomeKind int

// Outcome kinds.
const (
	// OutcomeText means the strategy produced text that clears the acceptance bar.
	OutcomeText OutcomeKind = iota
	// OutcomeInsufficient means the strategy ran but produced too little text.
	OutcomeInsufficient
	// OutcomeFailed means the strategy could not run or the decoder errored.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeText:
		return "text"
	case OutcomeInsufficient:
		return "insufficient"
	default:
		return "failed"
	}
}

// Outcome is what a Strategy reports back to the extraction chain.
type Outcome struct {
	Kind OutcomeKind
	Text string
	Err  error
}

// Strategy is one tier of the PDF fallback chain. It reads the document from
// path and must release every resource it acquires before returning.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, path string) Outcome
}

// CommandRunner executes an external program and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func textOutcome(text string, err error) Outcome {
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	return Outcome{Kind: OutcomeText, Text: text}
}

// settle downgrades a text outcome that misses the acceptance bar.
func settle(out Outcome, minChars int) Outcome {
	if out.Kind != OutcomeText {
		return out
	}
	if utf8.RuneCountInString(strings.TrimSpace(out.Text)) < minChars {
		out.Kind = OutcomeInsufficient
	}
	return out
}
