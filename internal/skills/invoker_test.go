package skills

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type stubSkill struct {
	name string
	fn   func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func (s *stubSkill) Name() string { return s.name }

func (s *stubSkill) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return s.fn(ctx, input)
}

func registryWithStub(t *testing.T, fn func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)) *Registry {
	t.Helper()
	r := NewRegistry()
	contract, err := CompileContract(json.RawMessage(testContract))
	if err != nil {
		t.Fatalf("compile contract: %v", err)
	}
	if err := r.Register(&stubSkill{name: "trend_research", fn: fn}, contract); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestInvoker_HappyPath(t *testing.T) {
	r := registryWithStub(t, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"trends":["defi"]}`), nil
	})
	inv := NewInvoker(r, time.Second, nil)

	out, err := inv.Invoke(context.Background(), "trend_research", json.RawMessage(`{"topic":"defi"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(out) != `{"trends":["defi"]}` {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestInvoker_RejectsInvalidInputBeforeExecution(t *testing.T) {
	executed := false
	r := registryWithStub(t, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		executed = true
		return json.RawMessage(`{"trends":[]}`), nil
	})
	inv := NewInvoker(r, time.Second, nil)

	_, err := inv.Invoke(context.Background(), "trend_research", json.RawMessage(`{"wrong":true}`))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if executed {
		t.Fatalf("skill ran despite invalid input")
	}
	if Retryable(err) {
		t.Fatalf("validation failures must not retry")
	}
}

func TestInvoker_FlagsContractViolation(t *testing.T) {
	r := registryWithStub(t, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"unexpected":"shape"}`), nil
	})
	inv := NewInvoker(r, time.Second, nil)

	_, err := inv.Invoke(context.Background(), "trend_research", json.RawMessage(`{"topic":"defi"}`))
	var violation *ContractViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected ContractViolationError, got %v", err)
	}
	if Retryable(err) {
		t.Fatalf("contract violations must not retry")
	}
}

func TestInvoker_TimesOutSlowSkill(t *testing.T) {
	r := registryWithStub(t, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{"trends":[]}`), nil
		}
	})
	inv := NewInvoker(r, 50*time.Millisecond, nil)

	start := time.Now()
	_, err := inv.Invoke(context.Background(), "trend_research", json.RawMessage(`{"topic":"defi"}`))
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout enforcement too slow: %v", elapsed)
	}
	if !Retryable(err) {
		t.Fatalf("timeouts must retry")
	}
}

func TestInvoker_UnknownSkillIsFatal(t *testing.T) {
	inv := NewInvoker(NewRegistry(), time.Second, nil)
	_, err := inv.Invoke(context.Background(), "no_such_skill", json.RawMessage(`{}`))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for unknown skill, got %v", err)
	}
}

func TestInvoker_PreservesSkillRetryability(t *testing.T) {
	r := registryWithStub(t, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, &ExecutionError{Skill: "trend_research", Retryable: false, Err: errors.New("permanent upstream rejection")}
	})
	inv := NewInvoker(r, time.Second, nil)

	_, err := inv.Invoke(context.Background(), "trend_research", json.RawMessage(`{"topic":"defi"}`))
	if Retryable(err) {
		t.Fatalf("skill-declared fatal error was marked retryable")
	}
}
