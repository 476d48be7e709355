package plan

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	refPattern  = regexp.MustCompile(`\$\{([^}]*)\}`)
	stepPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Ref points at a param or at the output of another step.
type Ref struct {
	Step  string
	Param string
	// Path is a gjson path into the step output; empty selects the whole
	// output.
	Path string
}

func (r Ref) String() string {
	if r.Step == "" {
		return "params." + r.Param
	}
	if r.Path == "" {
		return "steps." + r.Step + ".output"
	}
	return "steps." + r.Step + ".output." + r.Path
}

// Segment is a piece of a string input: literal text or a reference.
type Segment struct {
	Text string
	Ref  *Ref
}

// Input is a declared step input. Literal inputs carry Value; inputs with
// references carry Segments.
type Input struct {
	Name       string
	Value      any
	Segments   []Segment
	Default    any
	HasDefault bool
}

// Refs returns the references used by the input.
func (in Input) Refs() []Ref {
	var refs []Ref
	for _, s := range in.Segments {
		if s.Ref != nil {
			refs = append(refs, *s.Ref)
		}
	}
	return refs
}

// Whole returns the reference when the input consists of exactly one
// reference. Such inputs resolve to the raw referenced value.
func (in Input) Whole() (Ref, bool) {
	if len(in.Segments) == 1 && in.Segments[0].Ref != nil {
		return *in.Segments[0].Ref, true
	}
	return Ref{}, false
}

// parseInput classifies a raw definition input value.
func parseInput(name string, raw any) (Input, error) {
	in := Input{Name: name}

	switch v := raw.(type) {
	case string:
		segments, err := parseTemplate(v)
		if err != nil {
			return in, err
		}
		if segments == nil {
			in.Value = v
		}
		in.Segments = segments
		return in, nil

	case map[string]any:
		from, ok := v["from"].(string)
		if !ok || !onlyKeys(v, "from", "default") {
			in.Value = v
			return in, nil
		}
		ref, err := parseRef(from)
		if err != nil {
			return in, err
		}
		in.Segments = []Segment{{Ref: &ref}}
		in.Default, in.HasDefault = v["default"]
		return in, nil

	default:
		in.Value = v
		return in, nil
	}
}

func onlyKeys(m map[string]any, keys ...string) bool {
	for k := range m {
		found := false
		for _, want := range keys {
			if k == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// parseTemplate splits s into text and reference segments. It returns nil
// when s contains no references.
func parseTemplate(s string) ([]Segment, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	var segments []Segment
	last := 0
	for _, m := range matches {
		if m[0] > last {
			segments = append(segments, Segment{Text: s[last:m[0]]})
		}
		ref, err := parseRef(s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		segments = append(segments, Segment{Ref: &ref})
		last = m[1]
	}
	if last < len(s) {
		segments = append(segments, Segment{Text: s[last:]})
	}
	return segments, nil
}

// malformedRefError is converted into an UnknownReferenceError by the builder.
type malformedRefError struct {
	expr   string
	reason string
}

func (e *malformedRefError) Error() string {
	return fmt.Sprintf("malformed reference %q: %s", e.expr, e.reason)
}

func parseRef(expr string) (Ref, error) {
	expr = strings.TrimSpace(expr)
	bad := func(reason string) error {
		return &malformedRefError{expr: expr, reason: reason}
	}

	if rest, ok := strings.CutPrefix(expr, "params."); ok {
		if rest == "" || strings.Contains(rest, ".") {
			return Ref{}, bad("expected params.<name>")
		}
		return Ref{Param: rest}, nil
	}

	if rest, ok := strings.CutPrefix(expr, "steps."); ok {
		name, tail, _ := strings.Cut(rest, ".")
		if !stepPattern.MatchString(name) {
			return Ref{}, bad(fmt.Sprintf("invalid step name %q", name))
		}
		switch {
		case tail == "output":
			return Ref{Step: name}, nil
		case strings.HasPrefix(tail, "output.") && len(tail) > len("output."):
			return Ref{Step: name, Path: strings.TrimPrefix(tail, "output.")}, nil
		default:
			return Ref{}, bad("expected steps.<name>.output[.<path>]")
		}
	}

	return Ref{}, bad("references must start with steps. or params.")
}
