package daemon

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/vrift/vrift"
)

// Policy holds the daemon's compiled CEL programs. Both are optional: with no
// ingest filter every commit is accepted, and with no metadata policy every
// chmod-class request on a project path is rejected (the safe default, so the
// index keeps reflecting original permissions).
type Policy struct {
	ingestFilter   cel.Program
	metadataPolicy cel.Program
}

// NewPolicy compiles the configured expressions.
func NewPolicy(cfg vrift.PolicyConfig) (*Policy, error) {
	p := &Policy{}
	if cfg.IngestFilter != "" {
		prog, err := compileBoolProgram(cfg.IngestFilter, "size")
		if err != nil {
			return nil, fmt.Errorf("ingest_filter: %w", err)
		}
		p.ingestFilter = prog
	}
	if cfg.MetadataPolicy != "" {
		prog, err := compileBoolProgram(cfg.MetadataPolicy, "")
		if err != nil {
			return nil, fmt.Errorf("metadata_policy: %w", err)
		}
		p.metadataPolicy = prog
	}
	return p, nil
}

// compileBoolProgram builds a CEL program over path/mode (plus size when
// named) returning a bool verdict.
func compileBoolProgram(expression, extraIntVar string) (cel.Program, error) {
	opts := []cel.EnvOption{
		cel.Variable("path", cel.StringType),
		cel.Variable("mode", cel.IntType),
	}
	if extraIntVar != "" {
		opts = append(opts, cel.Variable(extraIntVar, cel.IntType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return prog, nil
}

func evalBool(prog cel.Program, vars map[string]any) (bool, error) {
	out, _, err := prog.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, fmt.Errorf("expression did not yield a bool: %v", err)
	}
	v, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("expression yielded %T, want bool", nv)
	}
	return v, nil
}

// AllowIngest evaluates the ingest filter for a commit; true when no filter
// is configured.
func (p *Policy) AllowIngest(path string, size int64, mode uint32) (bool, error) {
	if p.ingestFilter == nil {
		return true, nil
	}
	return evalBool(p.ingestFilter, map[string]any{
		"path": path,
		"size": size,
		"mode": int64(mode),
	})
}

// TranslateMetadata decides a chmod-class request: true translates the change
// into an index update, false rejects it with EPERM.
func (p *Policy) TranslateMetadata(path string, mode uint32) (bool, error) {
	if p.metadataPolicy == nil {
		return false, nil
	}
	return evalBool(p.metadataPolicy, map[string]any{
		"path": path,
		"mode": int64(mode),
	})
}
