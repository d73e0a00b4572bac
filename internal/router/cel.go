package router

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func matchEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("id", cel.StringType),
			cel.Variable("type", cel.StringType),
			cel.Variable("source", cel.StringType),
			cel.Variable("correlation_id", cel.StringType),
			cel.Variable("time_ms", cel.IntType),
			// Parsed payload for field filtering
			cel.Variable("data", cel.DynType),
		)
	})
	return celEnv, celEnvErr
}

// CompileMatch compiles a CEL expression into a Predicate. Expressions whose
// static type is neither bool nor dyn are rejected. Evaluation errors and
// non-bool results count as a non-match.
//
//	type.startsWith("user.") && data.amount > 100
func CompileMatch(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidMatch)
	}
	env, err := matchEnv()
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMatch, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMatch, iss.Err())
	}
	out := checked.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression yields %s, want bool", ErrInvalidMatch, out)
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMatch, err)
	}

	return func(sig *signal.Signal) bool {
		val, _, err := prog.Eval(map[string]any{
			"id":             sig.ID,
			"type":           sig.Type,
			"source":         sig.Source,
			"correlation_id": sig.CorrelationID,
			"time_ms":        sig.Time.UnixMilli(),
			"data":           celData(sig.Data),
		})
		if err != nil {
			return false
		}
		b, ok := val.Value().(bool)
		return ok && b
	}, nil
}

// celData converts arbitrary payloads into the map/list/scalar shapes CEL
// understands by round-tripping through JSON.
func celData(v any) any {
	switch v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any, []any, string, bool, int64, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
