package subscriptions

import (
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pingcap-incubator/tinydoc/docdb/documents"
)

// Criteria selects the documents a subscription delivers: every document of Collection for
// which Filter, a CEL expression over doc (the document body) and key, is true. An empty
// Filter matches everything.
type Criteria struct {
	Collection string `json:"collection"`
	Filter     string `json:"filter,omitempty"`
}

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func filterEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("key", cel.StringType),
		)
	})
	return env, envErr
}

func compileFilter(filter string) (cel.Program, error) {
	e, err := filterEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := e.Compile(filter)
	if issues != nil && issues.Err() != nil {
		return nil, documents.InvalidOperation("filter %q: %v", filter, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, documents.InvalidOperation("filter %q yields %s, not bool", filter, out)
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, documents.InvalidOperation("filter %q: %v", filter, err)
	}
	return prg, nil
}

// Validate checks that c names a collection and that its filter compiles.
func (c *Criteria) Validate() error {
	if strings.TrimSpace(c.Collection) == "" {
		return documents.InvalidOperation("subscription criteria must name a collection")
	}
	if c.Filter == "" {
		return nil
	}
	_, err := compileFilter(c.Filter)
	return err
}

// programCache keeps compiled filters by source text.
type programCache struct {
	programs sync.Map
}

func (c *programCache) get(filter string) (cel.Program, error) {
	if prg, ok := c.programs.Load(filter); ok {
		return prg.(cel.Program), nil
	}
	prg, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}
	c.programs.Store(filter, prg)
	return prg, nil
}

func (c *programCache) matches(criteria *Criteria, doc *documents.Document) (bool, error) {
	if !strings.EqualFold(criteria.Collection, doc.Collection) {
		return false, nil
	}
	if criteria.Filter == "" {
		return true, nil
	}
	prg, err := c.get(criteria.Filter)
	if err != nil {
		return false, err
	}
	data := doc.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	out, _, err := prg.Eval(map[string]interface{}{"doc": data, "key": doc.Key})
	if err != nil {
		// a filter referring to a field the document lacks does not match it
		return false, nil
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, documents.InvalidOperation("filter %q yields %v, not bool", criteria.Filter, out.Value())
	}
	return matched, nil
}
