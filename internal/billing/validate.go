package billing

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/vnmchuo/usage-ledger/internal/identity"
)

// ValidationError is a terminal rejection raised before any mutation.
type ValidationError struct {
	Kind    ErrorKind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func invalid(kind ErrorKind, format string, args ...any) error {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// rule returns a *ValidationError to reject, or any other error when the
// check itself could not be carried out.
type rule func(ctx context.Context, req *Request) error

// validationRules is evaluated in order; the first failure wins. Callers
// branch on the kind, so the order is part of the contract.
func validationRules(dir identity.Directory, maxUnits int64) []rule {
	return []rule{
		requireIdentifiers,
		func(_ context.Context, req *Request) error {
			if req.InputUnits < 0 {
				return invalid(KindInvalidInputUnits, "input units must be non-negative, got %d", req.InputUnits)
			}
			return nil
		},
		func(_ context.Context, req *Request) error {
			if req.OutputUnits < 0 {
				return invalid(KindInvalidOutputUnits, "output units must be non-negative, got %d", req.OutputUnits)
			}
			return nil
		},
		func(_ context.Context, req *Request) error {
			if strings.TrimSpace(req.Model) == "" {
				return invalid(KindMissingModel, "model is required")
			}
			return nil
		},
		func(_ context.Context, req *Request) error {
			if req.InputUnits > math.MaxInt64-req.OutputUnits {
				return invalid(KindUnitsExceedLimit, "total units overflow")
			}
			if total := req.InputUnits + req.OutputUnits; maxUnits > 0 && total > maxUnits {
				return invalid(KindUnitsExceedLimit, "total units %d exceed the per-call limit of %d", total, maxUnits)
			}
			return nil
		},
		exists(dir, identity.Organization, KindUnknownOrg, func(r *Request) string { return r.OrgID }),
		exists(dir, identity.Run, KindUnknownRun, func(r *Request) string { return r.RunID }),
		exists(dir, identity.Step, KindUnknownStep, func(r *Request) string { return r.StepID }),
		exists(dir, identity.Agent, KindUnknownAgent, func(r *Request) string { return r.AgentID }),
		exists(dir, identity.Task, KindUnknownTask, func(r *Request) string { return r.TaskID }),
	}
}

func requireIdentifiers(_ context.Context, req *Request) error {
	for _, f := range []struct{ name, value string }{
		{"run_id", req.RunID},
		{"step_id", req.StepID},
		{"org_id", req.OrgID},
	} {
		if strings.TrimSpace(f.value) == "" {
			return invalid(KindMissingIdentifier, "%s is required", f.name)
		}
	}
	return nil
}

// exists checks an identifier against the directory. Empty optional ids are
// skipped; required ids were already checked by requireIdentifiers.
func exists(dir identity.Directory, kind identity.Kind, reject ErrorKind, id func(*Request) string) rule {
	return func(ctx context.Context, req *Request) error {
		v := id(req)
		if v == "" {
			return nil
		}
		ok, err := dir.Exists(ctx, kind, v)
		if err != nil {
			return fmt.Errorf("checking %s: %w", kind, err)
		}
		if !ok {
			return invalid(reject, "%s %q does not exist", kind, v)
		}
		return nil
	}
}

func validate(ctx context.Context, rules []rule, req *Request) error {
	for _, r := range rules {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
