// Package scenario defines parity scenarios: a chain of operator
// applications over deterministic inputs, the target engine to convert to
// and the tolerance applied to continuous outputs.
//
// Scenarios are YAML documents validated against an embedded CUE schema and
// then checked semantically against the operator registry. A constructed
// Scenario is never modified; overrides return copies.
package scenario

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/example/go-opparity/internal/compare"
	"github.com/example/go-opparity/internal/config"
	"github.com/example/go-opparity/internal/inputs"
	"github.com/example/go-opparity/internal/opset"
	"github.com/example/go-opparity/internal/runtime/tensor"
	"github.com/example/go-opparity/internal/stage"
)

var (
	namePattern     = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	stepNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)
)

// Scenario is a validated, immutable parity test unit. Callers must treat
// every field as read-only.
type Scenario struct {
	Name        string
	Description string
	Seed        uint64
	Target      string
	Inputs      []inputs.Spec
	Weights     []inputs.Spec
	Steps       []Step
	Outputs     []Output

	atol, rtol *float64
	operands   map[string]opset.Operand
}

// Step is one operator application.
type Step struct {
	Name    string
	Op      string
	Params  opset.Params
	Inputs  []string
	Outputs []string
	// Weights maps the operator's attribute names to declared weights.
	Weights map[string]string
}

// Output is one declared scenario output.
type Output struct {
	Name string
	Kind tensor.Kind
}

type document struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Seed        uint64        `yaml:"seed"`
	Target      string        `yaml:"target"`
	Tolerance   *toleranceDoc `yaml:"tolerance"`
	Inputs      []tensorDoc   `yaml:"inputs"`
	Weights     []tensorDoc   `yaml:"weights"`
	Steps       []stepDoc     `yaml:"steps"`
	Outputs     []outputDoc   `yaml:"outputs"`
}

type toleranceDoc struct {
	Atol *float64 `yaml:"atol"`
	Rtol *float64 `yaml:"rtol"`
}

type tensorDoc struct {
	Name  string  `yaml:"name"`
	Shape []int64 `yaml:"shape"`
	DType string  `yaml:"dtype"`
	Dist  string  `yaml:"dist"`
	Low   float64 `yaml:"low"`
	High  float64 `yaml:"high"`
	Mean  float64 `yaml:"mean"`
	Std   float64 `yaml:"std"`
}

type stepDoc struct {
	Name    string            `yaml:"name"`
	Op      string            `yaml:"op"`
	Params  map[string]any    `yaml:"params"`
	Inputs  []string          `yaml:"inputs"`
	Outputs []string          `yaml:"outputs"`
	Weights map[string]string `yaml:"weights"`
}

type outputDoc struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// Parse decodes and validates one scenario document.
func Parse(data []byte) (*Scenario, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, configf("parse YAML: %w", err)
	}

	if err := checkSchema(raw); err != nil {
		return nil, configf("%w", err)
	}

	var doc document

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&doc); err != nil {
		return nil, configf("decode scenario: %w", err)
	}

	return build(doc)
}

// LoadFile reads and parses a scenario document from path.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configf("read scenario %s: %w", path, err)
	}

	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return sc, nil
}

// Tolerance returns the scenario tolerance, filling unset bounds from
// DefaultTolerance.
func (s *Scenario) Tolerance() compare.Tolerance {
	return s.ToleranceOr(compare.DefaultTolerance)
}

// ToleranceOr returns the scenario tolerance, filling unset bounds from def.
func (s *Scenario) ToleranceOr(def compare.Tolerance) compare.Tolerance {
	if s.atol != nil {
		def.Atol = *s.atol
	}

	if s.rtol != nil {
		def.Rtol = *s.rtol
	}

	return def
}

// Operand returns the inferred shape and kind of a named value.
func (s *Scenario) Operand(name string) (opset.Operand, bool) {
	op, ok := s.operands[name]
	return op, ok
}

// InputShapes returns the declared input shapes in declaration order.
func (s *Scenario) InputShapes() [][]int64 {
	out := make([][]int64, len(s.Inputs))
	for i, in := range s.Inputs {
		out[i] = slices.Clone(in.Shape)
	}

	return out
}

// WithSeed returns a copy using seed.
func (s *Scenario) WithSeed(seed uint64) *Scenario {
	c := *s
	c.Seed = seed

	return &c
}

// WithTarget returns a copy converted for target.
func (s *Scenario) WithTarget(target string) (*Scenario, error) {
	t, err := config.NormalizeTarget(target)
	if err != nil || t == "" {
		return nil, configf("scenario %q: invalid target %q", s.Name, target)
	}

	c := *s
	c.Target = t

	return &c, nil
}

// Binding is the generated data a scenario runs on.
type Binding struct {
	Inputs  *inputs.Set
	Weights map[string]*tensor.Tensor
}

// Bind draws inputs and then weights from one stream seeded with the
// scenario seed.
func (s *Scenario) Bind() (Binding, error) {
	specs := make([]inputs.Spec, 0, len(s.Inputs)+len(s.Weights))
	specs = append(specs, s.Inputs...)
	specs = append(specs, s.Weights...)

	all, err := inputs.Generate(s.Seed, specs)
	if err != nil {
		return Binding{}, err
	}

	items := all.All()
	b := Binding{
		Inputs:  inputs.NewSet(items[:len(s.Inputs)]...),
		Weights: make(map[string]*tensor.Tensor, len(s.Weights)),
	}

	for _, w := range items[len(s.Inputs):] {
		b.Weights[w.Name] = w.Value.Float
	}

	return b, nil
}

// StepWeights resolves the attribute tensors of step from b.
func (b Binding) StepWeights(step Step) map[string]*tensor.Tensor {
	if len(step.Weights) == 0 {
		return nil
	}

	out := make(map[string]*tensor.Tensor, len(step.Weights))
	for attr, name := range step.Weights {
		out[attr] = b.Weights[name]
	}

	return out
}

func build(doc document) (*Scenario, error) {
	s := &Scenario{
		Name:        norm.NFC.String(doc.Name),
		Description: norm.NFC.String(doc.Description),
		Seed:        doc.Seed,
		operands:    map[string]opset.Operand{},
	}

	if err := checkName("scenario", s.Name); err != nil {
		return nil, err
	}

	target, err := config.NormalizeTarget(doc.Target)
	if err != nil || target == "" {
		return nil, configf("scenario %q: invalid target %q", s.Name, doc.Target)
	}

	s.Target = target

	if doc.Tolerance != nil {
		s.atol, s.rtol = doc.Tolerance.Atol, doc.Tolerance.Rtol
		if err := s.Tolerance().Validate(); err != nil {
			return nil, configf("scenario %q: %w", s.Name, err)
		}
	}

	weightShapes := map[string][]int64{}

	for _, td := range doc.Inputs {
		spec, err := s.tensorSpec(td)
		if err != nil {
			return nil, err
		}

		kind := tensor.Continuous
		if spec.DType == inputs.I64 {
			kind = tensor.Discrete
		}

		s.operands[spec.Name] = opset.Operand{Shape: spec.Shape, Kind: kind}
		s.Inputs = append(s.Inputs, spec)
	}

	for _, td := range doc.Weights {
		spec, err := s.tensorSpec(td)
		if err != nil {
			return nil, err
		}

		if spec.DType == inputs.I64 {
			return nil, configf("scenario %q: weight %q must be f32", s.Name, spec.Name)
		}

		if _, dup := weightShapes[spec.Name]; dup {
			return nil, configf("scenario %q: duplicate weight %q", s.Name, spec.Name)
		}

		weightShapes[spec.Name] = spec.Shape
		s.Weights = append(s.Weights, spec)
	}

	ranks := map[string][]int{}
	stepNames := map[string]bool{}

	for i, sd := range doc.Steps {
		step, err := s.buildStep(i, sd, weightShapes, ranks)
		if err != nil {
			return nil, err
		}

		if stepNames[step.Name] {
			return nil, configf("scenario %q: duplicate step name %q", s.Name, step.Name)
		}

		stepNames[step.Name] = true
		s.Steps = append(s.Steps, step)
	}

	for i := range s.Inputs {
		s.Inputs[i].Ranks = ranks[s.Inputs[i].Name]
	}

	seen := map[string]bool{}

	for _, od := range doc.Outputs {
		name := norm.NFC.String(od.Name)

		operand, ok := s.operands[name]
		if !ok {
			return nil, configf("scenario %q: output %q is not produced by any step or input", s.Name, name)
		}

		if seen[name] {
			return nil, configf("scenario %q: output %q declared twice", s.Name, name)
		}

		seen[name] = true

		kind := operand.Kind
		if od.Kind != "" {
			declared, err := tensor.ParseKind(od.Kind)
			if err != nil {
				return nil, configf("scenario %q: output %q: %w", s.Name, name, err)
			}

			if declared != operand.Kind {
				return nil, configf("scenario %q: output %q declared %s but produces %s", s.Name, name, declared, operand.Kind)
			}
		}

		s.Outputs = append(s.Outputs, Output{Name: name, Kind: kind})
	}

	return s, nil
}

func (s *Scenario) tensorSpec(td tensorDoc) (inputs.Spec, error) {
	spec := inputs.Spec{
		Name:  norm.NFC.String(td.Name),
		Shape: slices.Clone(td.Shape),
		DType: inputs.DType(td.DType),
		Dist:  inputs.Distribution(td.Dist),
		Low:   td.Low,
		High:  td.High,
		Mean:  td.Mean,
		Std:   td.Std,
	}

	if spec.DType == "" {
		spec.DType = inputs.F32
	}

	if spec.Dist == "" {
		spec.Dist = inputs.Uniform
	}

	if err := checkName("tensor", spec.Name); err != nil {
		return inputs.Spec{}, err
	}

	if _, dup := s.operands[spec.Name]; dup {
		return inputs.Spec{}, configf("scenario %q: duplicate input %q", s.Name, spec.Name)
	}

	if err := inputs.Validate(spec); err != nil {
		return inputs.Spec{}, fmt.Errorf("scenario %q: %w", s.Name, err)
	}

	return spec, nil
}

func (s *Scenario) buildStep(i int, sd stepDoc, weightShapes map[string][]int64, ranks map[string][]int) (Step, error) {
	op, ok := opset.Lookup(sd.Op)
	if !ok {
		return Step{}, configf("scenario %q: step %d: unknown operator %q", s.Name, i, sd.Op)
	}

	step := Step{
		Name: norm.NFC.String(sd.Name),
		Op:   op.Name,
	}

	if step.Name == "" {
		step.Name = fmt.Sprintf("%s_%d", op.Name, i)
	}

	if !stepNamePattern.MatchString(step.Name) {
		return Step{}, configf("scenario %q: invalid step name %q", s.Name, step.Name)
	}

	params, err := opset.Normalize(op.Params, sd.Params)
	if err != nil {
		return Step{}, configf("scenario %q: step %s: %w", s.Name, step.Name, err)
	}

	step.Params = params

	in := make([]opset.Operand, len(sd.Inputs))
	for j, ref := range sd.Inputs {
		ref = norm.NFC.String(ref)

		operand, ok := s.operands[ref]
		if !ok {
			return Step{}, configf("scenario %q: step %s: unknown operand %q", s.Name, step.Name, ref)
		}

		if r := op.InputRanks(j); r != nil {
			if _, seen := ranks[ref]; !seen {
				ranks[ref] = slices.Clone(r)
			}
		}

		in[j] = operand
		step.Inputs = append(step.Inputs, ref)
	}

	var wshapes map[string][]int64

	if len(sd.Weights) > 0 {
		step.Weights = make(map[string]string, len(sd.Weights))
		wshapes = make(map[string][]int64, len(sd.Weights))

		for _, attr := range slices.Sorted(maps.Keys(sd.Weights)) {
			name := norm.NFC.String(sd.Weights[attr])

			shape, ok := weightShapes[name]
			if !ok {
				return Step{}, configf("scenario %q: step %s: unknown weight %q", s.Name, step.Name, name)
			}

			step.Weights[attr] = name
			wshapes[attr] = shape
		}
	}

	out, err := op.Check(in, wshapes, params)
	if err != nil {
		return Step{}, configf("scenario %q: step %s: %w", s.Name, step.Name, err)
	}

	if len(sd.Outputs) != len(out) {
		return Step{}, configf("scenario %q: step %s declares %d outputs, %s produces %d",
			s.Name, step.Name, len(sd.Outputs), op.Name, len(out))
	}

	for j, name := range sd.Outputs {
		name = norm.NFC.String(name)
		if err := checkName("operand", name); err != nil {
			return Step{}, err
		}

		if _, dup := s.operands[name]; dup {
			return Step{}, configf("scenario %q: step %s redefines operand %q", s.Name, step.Name, name)
		}

		if _, dup := weightShapes[name]; dup {
			return Step{}, configf("scenario %q: step %s output %q shadows a weight", s.Name, step.Name, name)
		}

		s.operands[name] = out[j]
		step.Outputs = append(step.Outputs, name)
	}

	return step, nil
}

func checkName(what, name string) error {
	if !namePattern.MatchString(name) {
		return configf("invalid %s name %q: use letters, digits and underscores", what, name)
	}

	return nil
}

func configf(format string, args ...any) error {
	return stage.Errorf(stage.Scenario, stage.ErrConfiguration, format, args...)
}
