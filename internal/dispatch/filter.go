package dispatch

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/quillmq/quill/internal/ledger"
)

// entryFilter wraps a compiled CEL program evaluated per stored entry.
// When disabled, Match always returns true.
type entryFilter struct {
	prog    cel.Program
	enabled bool
}

func newFilter(expr string) (entryFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return entryFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("producer", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("segment", cel.IntType),
		cel.Variable("offset", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		// Expose parsed JSON payload (map/list/values) for field filtering
		cel.Variable("json", cel.DynType),
		// Current time in ms for windowed filters
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return entryFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return entryFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return entryFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return entryFilter{}, err
	}
	return entryFilter{prog: prog, enabled: true}, nil
}

// Match evaluates the compiled expression against an entry. When disabled,
// returns true; evaluation errors reject the entry.
func (f entryFilter) Match(e ledger.Entry) bool {
	if !f.enabled {
		return true
	}
	var jsonObj any
	_ = json.Unmarshal(e.Payload, &jsonObj)
	out, _, err := f.prog.Eval(map[string]any{
		"producer": e.Producer,
		"sequence": e.Sequence,
		"segment":  int64(e.Position.Segment),
		"offset":   int64(e.Position.Offset),
		"size":     int64(len(e.Payload)),
		"text":     string(e.Payload),
		"json":     jsonObj,
		"now_ms":   time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
