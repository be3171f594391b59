package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Invoker runs skills under their contracts with a per-execution deadline.
type Invoker struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

func NewInvoker(registry *Registry, timeout time.Duration, logger *slog.Logger) *Invoker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{registry: registry, timeout: timeout, logger: logger}
}

// Invoke validates input, executes the skill under its deadline and validates
// the output. Every error it returns classifies cleanly through Retryable.
func (inv *Invoker) Invoke(ctx context.Context, skillName string, input json.RawMessage) (json.RawMessage, error) {
	skill, contract, ok := inv.registry.Lookup(skillName)
	if !ok {
		// An unknown skill cannot succeed on retry.
		return nil, &ValidationError{Skill: skillName, Message: "skill not registered"}
	}
	if err := contract.ValidateInput(input); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	started := time.Now()
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := skill.Execute(execCtx, input)
		done <- outcome{result, err}
	}()

	var result json.RawMessage
	select {
	case <-execCtx.Done():
		elapsed := time.Since(started)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("invoke %s: %w", skillName, ctx.Err())
		}
		inv.logger.Warn("skill timed out", "skill", skillName, "elapsed", elapsed)
		return nil, &TimeoutError{Skill: skillName, Elapsed: elapsed}
	case out := <-done:
		if out.err != nil {
			if execErr, ok := out.err.(*ExecutionError); ok {
				return nil, execErr
			}
			return nil, &ExecutionError{Skill: skillName, Retryable: true, Err: out.err}
		}
		result = out.result
	}

	if err := contract.ValidateOutput(result); err != nil {
		inv.logger.Error("skill output violates contract", "skill", skillName, "error", err)
		return nil, err
	}
	return result, nil
}

// Timeout exposes the configured deadline, mostly for logging.
func (inv *Invoker) Timeout() time.Duration {
	return inv.timeout
}
