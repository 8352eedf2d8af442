package process

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/3leaps/geoproc/pkg/request"
)

// Returner echoes its inputs back as outputs.
type Returner struct{}

func (Returner) Identifier() string { return "returner" }
func (Returner) Title() string      { return "Return given inputs as outputs" }

func (Returner) Inputs() []request.InputSpec {
	return []request.InputSpec{
		{ID: "text", Kind: request.KindLiteral, MinOccurs: 0, MaxOccurs: 1},
		{ID: "data", Kind: request.KindComplex, MinOccurs: 0, MaxOccurs: 1},
	}
}

func (Returner) Run(ctx context.Context, req *request.Request, sink Sink) error {
	if in, ok := req.First("text"); ok && in.Literal != nil {
		if err := sink.Output("output", in.Literal.String()); err != nil {
			return err
		}
	}
	if in, ok := req.First("data"); ok {
		if err := sink.Output("data", in); err != nil {
			return err
		}
	}
	return nil
}

// Sleep waits delay seconds, reporting progress in four steps.
type Sleep struct{}

const sleepSteps = 4

func (Sleep) Identifier() string { return "sleep" }
func (Sleep) Title() string      { return "Sleep for a number of seconds" }

func (Sleep) Inputs() []request.InputSpec {
	return []request.InputSpec{
		{ID: "delay", Kind: request.KindLiteral, MinOccurs: 0, MaxOccurs: 1},
	}
}

func (Sleep) Run(ctx context.Context, req *request.Request, sink Sink) error {
	delay, err := strconv.ParseFloat(req.LiteralValue("delay", "1"), 64)
	if err != nil || delay < 0 {
		return fmt.Errorf("delay must be a non-negative number: %q", req.LiteralValue("delay", ""))
	}

	step := time.Duration(delay * float64(time.Second) / sleepSteps)
	for i := 1; i <= sleepSteps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
		pct := i * 100 / sleepSteps
		if i < sleepSteps {
			if err := sink.Progress(pct, fmt.Sprintf("slept %d of %d steps", i, sleepSteps)); err != nil {
				return err
			}
		}
	}
	return sink.Output("slept", delay)
}

// Fail always fails. It exists for diagnostics.
type Fail struct{}

// ErrDeliberate is returned by Fail.
var ErrDeliberate = errors.New("process failed on purpose")

func (Fail) Identifier() string          { return "fail" }
func (Fail) Title() string               { return "Always fail" }
func (Fail) Inputs() []request.InputSpec { return nil }

func (Fail) Run(ctx context.Context, req *request.Request, sink Sink) error {
	return ErrDeliberate
}
