// Package catalog reads the scenario catalog: named, labelled replay
// scenarios with their run defaults, declared in CUE.
//
//	scenario: "skeptic-heavy": {
//		label:       "Skeptic-heavy traffic"
//		total_users: 300
//		population_mix: {skeptical: 0.6, casual: 0.4}
//	}
//
// Every file is unified with an embedded schema, so typos and out-of-range
// values are reported with their CUE position.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

//go:embed schema.cue
var schemaSource string

//go:embed default.cue
var defaultSource string

// Scenario is one catalog entry.
type Scenario struct {
	Name          string             `json:"-"`
	Label         string             `json:"label"`
	Description   string             `json:"description,omitempty"`
	Recording     string             `json:"recording,omitempty"`
	TotalUsers    int                `json:"total_users"`
	Speed         float64            `json:"speed"`
	PopulationMix map[string]float64 `json:"population_mix"`
}

// Catalog is an immutable, name-sorted set of scenarios.
type Catalog struct {
	scenarios []Scenario
	byName    map[string]int
}

// Error carries the CUE position of a catalog problem when known.
type Error struct {
	Pos     string
	Message string
}

func (e *Error) Error() string {
	if e.Pos != "" {
		return e.Pos + ": " + e.Message
	}
	return e.Message
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Parse("default.cue", []byte(defaultSource))
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default is invalid: %v", err))
	}
	return c
}

// Parse compiles a single CUE source.
func Parse(filename string, src []byte) (*Catalog, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, convert(err)
	}
	return build(ctx, v)
}

// Load compiles every .cue file in dir as one package.
func Load(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("catalog directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &Error{Message: fmt.Sprintf("not a directory: %s", dir)}
	}
	files, _ := filepath.Glob(filepath.Join(dir, "*.cue"))
	if len(files) == 0 {
		return nil, &Error{Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &Error{Message: "no CUE instances loaded"}
	}
	if err := instances[0].Err; err != nil {
		return nil, convert(err)
	}
	v := ctx.BuildInstance(instances[0])
	if err := v.Err(); err != nil {
		return nil, convert(err)
	}
	return build(ctx, v)
}

func build(ctx *cue.Context, v cue.Value) (*Catalog, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, convert(err)
	}
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, convert(err)
	}

	c := &Catalog{byName: make(map[string]int)}
	scenarios := v.LookupPath(cue.ParsePath("scenario"))
	if !scenarios.Exists() {
		return c, nil
	}
	iter, err := scenarios.Fields()
	if err != nil {
		return nil, convert(err)
	}
	for iter.Next() {
		var s Scenario
		if err := iter.Value().Decode(&s); err != nil {
			return nil, convert(err)
		}
		s.Name = iter.Selector().Unquoted()
		if s.Recording == "" {
			s.Recording = s.Name
		}
		c.scenarios = append(c.scenarios, s)
	}

	sort.Slice(c.scenarios, func(i, j int) bool { return c.scenarios[i].Name < c.scenarios[j].Name })
	for i, s := range c.scenarios {
		c.byName[s.Name] = i
	}
	return c, nil
}

func convert(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Message: errors.Details(first, nil)}
	if pos := first.Position(); pos.IsValid() {
		e.Pos = fmt.Sprintf("%s:%d:%d", pos.Filename(), pos.Line(), pos.Column())
	}
	return e
}

// Lookup returns the scenario called name.
func (c *Catalog) Lookup(name string) (Scenario, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Scenario{}, false
	}
	return c.scenarios[i], true
}

// All returns the scenarios sorted by name.
func (c *Catalog) All() []Scenario {
	out := make([]Scenario, len(c.scenarios))
	copy(out, c.scenarios)
	return out
}

// Len returns the number of scenarios.
func (c *Catalog) Len() int { return len(c.scenarios) }
