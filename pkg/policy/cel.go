package policy

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// The amount-cap and time-window rules are fixed-shape predicates; CEL is
// not exposed as a user-facing policy language, only used internally to
// evaluate these two rule kinds. Compiling them once through cel-go, the
// way policy/governance evaluators compile fixed expressions, avoids
// re-deriving comparison semantics by hand.

var (
	amountProgram cel.Program
	timeWindowProgram cel.Program
	celOnce sync.Once
	celErr error
)

func compileCELPrograms() {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("cap", cel.DoubleType),
		cel.Variable("now_minutes", cel.IntType),
		cel.Variable("start_minutes", cel.IntType),
		cel.Variable("end_minutes", cel.IntType),
	)
	if err != nil {
		celErr = err
		return
	}

	amountAst, iss := env.Compile("amount > cap")
	if iss.Err() != nil {
		celErr = iss.Err()
		return
	}
	amountProgram, err = env.Program(amountAst)
	if err != nil {
		celErr = err
		return
	}

	twAst, iss := env.Compile("now_minutes >= start_minutes && now_minutes <= end_minutes")
	if iss.Err() != nil {
		celErr = iss.Err()
		return
	}
	timeWindowProgram, err = env.Program(twAst)
	if err != nil {
		celErr = err
		return
	}
}

// celAmountExceedsCap evaluates "amount > cap" via the compiled CEL
// program, falling back to a direct comparison if CEL failed to compile
// (defensive only; the expression above is static and always compiles).
func celAmountExceedsCap(amount, capVal float64) bool {
	celOnce.Do(compileCELPrograms)
	if celErr != nil || amountProgram == nil {
		return amount > capVal
	}
	out, _, err := amountProgram.Eval(map[string]interface{}{"amount": amount, "cap": capVal})
	if err != nil {
		return amount > capVal
	}
	return asBool(out)
}

// celWithinTimeWindow evaluates the inclusive minutes-of-day window via CEL.
func celWithinTimeWindow(nowMinutes, startMinutes, endMinutes int) bool {
	celOnce.Do(compileCELPrograms)
	if celErr != nil || timeWindowProgram == nil {
		return nowMinutes >= startMinutes && nowMinutes <= endMinutes
	}
	out, _, err := timeWindowProgram.Eval(map[string]interface{}{
		"now_minutes": nowMinutes, "start_minutes": startMinutes, "end_minutes": endMinutes,
	})
	if err != nil {
		return nowMinutes >= startMinutes && nowMinutes <= endMinutes
	}
	return asBool(out)
}

func asBool(v ref.Val) bool {
	b, ok := v.(types.Bool)
	if !ok {
		return false
	}
	return bool(b)
}
