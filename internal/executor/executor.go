// Package executor performs single timed booking attempts: readiness check,
// interaction, confirmation check, each under its own budget beneath one hard
// deadline, with retry tuned around the opening instant.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/courtsched/internal/pool"
	"github.com/example/courtsched/internal/queue"
)

// OutcomeKind classifies how an attempt ended. TIMED_OUT is distinct from
// FAILED: a timeout says nothing about whether the slot was available, so the
// retry policy treats it like a transient failure.
type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeTimedOut OutcomeKind = "timed_out"
)

// Attempt is the closed record of one executor run. Never mutated after the
// run returns.
type Attempt struct {
	RequestID       string
	WorkerID        string
	StartedAt       time.Time
	Outcome         OutcomeKind
	ConfirmationRef string
	ErrorDetail     string
	Tries           int
}

// InteractionOutcome is what the pluggable strategy reports for one try.
type InteractionOutcome struct {
	Success         bool
	ConfirmationRef string
	Transient       bool // retryable per policy
	Err             error
}

// InteractionStrategy is the pluggable navigate/fill/submit step. The core
// treats it as opaque, possibly slow, possibly flaky.
type InteractionStrategy interface {
	PerformInteraction(ctx context.Context, worker *pool.Slot, req queue.Request) InteractionOutcome
}

// Budgets are the per-stage timeouts. The overall deadline passed to Run is a
// hard ceiling regardless of stage budgets.
type Budgets struct {
	Readiness    time.Duration
	Interaction  time.Duration
	Confirmation time.Duration
	RetrySpacing time.Duration // between retries once the opening instant has passed
	AttemptCap   int
}

type Executor struct {
	strategy InteractionStrategy
	budgets  Budgets

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(strategy InteractionStrategy, budgets Budgets) *Executor {
	return &Executor{
		strategy: strategy,
		budgets:  budgets,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run attempts to fulfil req on worker until success, a permanent failure,
// the attempt cap, or the deadline. Before opening retries are immediate;
// after it they are spaced so the booking surface is not hammered.
func (e *Executor) Run(ctx context.Context, worker *pool.Slot, req queue.Request, opening, deadline time.Time) Attempt {
	att := Attempt{
		RequestID: req.ID,
		WorkerID:  worker.ID,
		StartedAt: e.now(),
	}

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var last InteractionOutcome
	for att.Tries < e.budgets.AttemptCap {
		if runCtx.Err() != nil {
			return e.close(att, OutcomeTimedOut, "deadline reached", last)
		}
		att.Tries++

		outcome, kind := e.try(runCtx, worker, req)
		last = outcome

		switch kind {
		case OutcomeSuccess:
			att.Outcome = OutcomeSuccess
			att.ConfirmationRef = outcome.ConfirmationRef
			return att
		case OutcomeFailed:
			if !outcome.Transient {
				return e.close(att, OutcomeFailed, detail(outcome), last)
			}
		}

		// TIMED_OUT or transient FAILED: retry. No delay until the opening
		// instant has arrived; there is nothing to be slow for.
		if e.now().After(opening) || e.now().Equal(opening) {
			if err := e.sleep(runCtx, e.budgets.RetrySpacing); err != nil {
				return e.close(att, OutcomeTimedOut, "deadline reached", last)
			}
		}
	}

	return e.close(att, OutcomeFailed, fmt.Sprintf("attempt cap (%d) exhausted: %s", e.budgets.AttemptCap, detail(last)), last)
}

// try is one pass through the three stages.
func (e *Executor) try(ctx context.Context, worker *pool.Slot, req queue.Request) (InteractionOutcome, OutcomeKind) {
	// Stage 1: resource readiness, short budget.
	readyCtx, cancel := context.WithTimeout(ctx, e.budgets.Readiness)
	err := worker.Session.Ready(readyCtx)
	cancel()
	if err != nil {
		return InteractionOutcome{Transient: true, Err: fmt.Errorf("readiness: %w", err)}, stageKind(err)
	}

	// Stage 2: the interaction, delegated to the strategy.
	interactCtx, cancel := context.WithTimeout(ctx, e.budgets.Interaction)
	outcome := e.strategy.PerformInteraction(interactCtx, worker, req)
	cancel()
	if !outcome.Success {
		if errors.Is(outcome.Err, context.DeadlineExceeded) {
			// Budget overrun, not a refusal: the slot may still be free.
			return outcome, OutcomeTimedOut
		}
		return outcome, OutcomeFailed
	}

	// Stage 3: confirmation check, short budget.
	confirmCtx, cancel := context.WithTimeout(ctx, e.budgets.Confirmation)
	err = worker.Session.VerifyConfirmation(confirmCtx, outcome.ConfirmationRef)
	cancel()
	if err != nil {
		return InteractionOutcome{Transient: true, Err: fmt.Errorf("confirmation: %w", err)}, stageKind(err)
	}

	return outcome, OutcomeSuccess
}

func stageKind(err error) OutcomeKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimedOut
	}
	return OutcomeFailed
}

func (e *Executor) close(att Attempt, kind OutcomeKind, msg string, last InteractionOutcome) Attempt {
	att.Outcome = kind
	if d := detail(last); d != "" && d != msg {
		att.ErrorDetail = fmt.Sprintf("%s (last error: %s)", msg, d)
	} else {
		att.ErrorDetail = msg
	}
	return att
}

func detail(o InteractionOutcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return ""
}
