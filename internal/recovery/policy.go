// Package recovery consumes the dead-letter topic, classifies failures, and
// owns the failure ledger.
package recovery

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/FSTGIAT/call-analytics-sub001/internal/domain"
)

// PolicyEngine classifies failed records via a rego policy, so operators can
// reclassify error kinds without a rebuild.
type PolicyEngine struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEngine prepares the classification policy for evaluation.
func NewPolicyEngine(ctx context.Context, policyContent string) (*PolicyEngine, error) {
	r := rego.New(
		rego.Query("data.failure_policy.classification"),
		rego.Module("failure_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &PolicyEngine{query: query}, nil
}

// Evaluate classifies one failure. Input keys: stage, error_kind,
// attempt_count. Unmatched inputs fall back to transient so nothing is
// silently declared unrecoverable.
func (e *PolicyEngine) Evaluate(ctx context.Context, input map[string]any) (domain.ErrorClass, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.ErrorClassTransient, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok && s == string(domain.ErrorClassPermanent) {
		return domain.ErrorClassPermanent, nil
	}
	return domain.ErrorClassTransient, nil
}

// DefaultPolicy is the built-in classification: deserialization and
// validation failures are terminal, everything else is worth retrying.
const DefaultPolicy = `
package failure_policy

import rego.v1

default classification := "transient"

classification := "permanent" if {
	input.error_kind in {
		"deserialization",
		"validation",
		"malformed-payload",
		"malformed-fragment",
		"missing-correlation-key",
		"invalid-change-type",
	}
}
`
