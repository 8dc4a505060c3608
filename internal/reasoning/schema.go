package reasoning

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the JSON type a field must have.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "boolean"
	KindArray  Kind = "array"
	KindObject Kind = "object"
)

// Field declares one value of the expected output, addressed by gjson path.
type Field struct {
	Path     string
	Kind     Kind
	Required bool
	Enum     []string // case-insensitive allowed values for strings
}

// Schema is the declared shape of one invocation's output.
type Schema struct {
	Name   string
	Fields []Field
	// Check runs after the structural checks for rules gjson paths cannot
	// express.
	Check func(gjson.Result) error
}

// Describe renders the schema as an instruction for the backend.
func (s Schema) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reply with one JSON object (%s) with fields:\n", s.Name)
	for _, f := range s.Fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "- %s: %s, %s", f.Path, f.Kind, req)
		if len(f.Enum) > 0 {
			fmt.Fprintf(&b, ", one of %s", strings.Join(f.Enum, "|"))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Validate extracts the JSON object from raw and checks it against s.
func (s Schema) Validate(raw string) (gjson.Result, error) {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return gjson.Result{}, err
	}
	root := gjson.Parse(doc)
	var problems []string
	for _, f := range s.Fields {
		v := root.Get(f.Path)
		if !v.Exists() || v.Type == gjson.Null {
			if f.Required {
				problems = append(problems, f.Path+" is missing")
			}
			continue
		}
		if !f.Kind.matches(v) {
			problems = append(problems, fmt.Sprintf("%s must be %s", f.Path, f.Kind))
			continue
		}
		if len(f.Enum) > 0 && !inEnum(v.String(), f.Enum) {
			problems = append(problems, fmt.Sprintf("%s=%q is not one of %s", f.Path, v.String(), strings.Join(f.Enum, "|")))
		}
	}
	if len(problems) > 0 {
		return gjson.Result{}, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	if s.Check != nil {
		if err := s.Check(root); err != nil {
			return gjson.Result{}, err
		}
	}
	return root, nil
}

func (k Kind) matches(v gjson.Result) bool {
	switch k {
	case KindString:
		return v.Type == gjson.String
	case KindNumber:
		return v.Type == gjson.Number
	case KindBool:
		return v.IsBool()
	case KindArray:
		return v.IsArray()
	case KindObject:
		return v.IsObject()
	}
	return true
}

func inEnum(v string, enum []string) bool {
	for _, e := range enum {
		if strings.EqualFold(strings.TrimSpace(v), e) {
			return true
		}
	}
	return false
}

// ExtractJSON finds the JSON object in a model reply, tolerating code fences
// and surrounding prose.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in output")
	}
	doc := s[start : end+1]
	if !gjson.Valid(doc) {
		return "", fmt.Errorf("output is not valid JSON")
	}
	return doc, nil
}
