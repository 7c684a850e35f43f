package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// celEnv declares the variables visible to custom expressions. Monetary
// fields are deliberately absent: exact decimals have no faithful CEL
// representation and floats are forbidden at monetary boundaries.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("geo_iso", cel.StringType),
		cel.Variable("kyc_level", cel.StringType),
		cel.Variable("asset", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("direction", cel.StringType),
		cel.Variable("dest_address", cel.StringType),
		cel.Variable("chain", cel.StringType),
		cel.Variable("address_count", cel.IntType),
		cel.Variable("confirmations", cel.IntType),
	)
	if err != nil {
		panic(fmt.Sprintf("cel environment: %v", err))
	}
	return env
}()

// CelRule is a custom boolean expression over non-monetary event fields.
// Declared in the policy with type "cel_expr"; triggers when the expression
// evaluates to true.
type CelRule struct {
	id         string
	action     domain.Decision
	expression string
	program    cel.Program
}

// NewCelRule compiles the expression. A non-boolean output type is a
// policy error, reported at snapshot build time rather than per request.
func NewCelRule(id string, action domain.Decision, expression string) (*CelRule, error) {
	ast, issues := celEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	program, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return &CelRule{id: id, action: action, expression: expression, program: program}, nil
}

func (r *CelRule) ID() string { return r.id }

func (r *CelRule) Evaluate(event *domain.TxEvent) (domain.RuleResult, error) {
	activation := map[string]any{
		"geo_iso":       event.Subject.GeoISO,
		"kyc_level":     string(event.Subject.KycTier),
		"asset":         event.Asset,
		"tx_type":       event.TxType,
		"direction":     string(event.Direction),
		"dest_address":  event.DestAddress,
		"chain":         event.Chain,
		"address_count": int64(len(event.Subject.Addresses)),
		"confirmations": int64(event.Confirmations),
	}

	out, _, err := r.program.Eval(activation)
	if err != nil {
		// Fails the request closed; a runtime evaluation error is never
		// treated as Allow.
		return domain.RuleAllow(), domain.Errorf(domain.KindRuleLogic,
			"rule %s: expression evaluation failed: %w", r.id, err)
	}

	if hit, ok := out.(types.Bool); ok && bool(hit) {
		return domain.RuleTrigger(r.action, domain.NewEvidence(r.id, "expr", r.expression)), nil
	}
	return domain.RuleAllow(), nil
}
