package tools

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Schema is the JSON Schema advertised to the model for a tool's input.
//
// Request structs declare it through tags:
//
//	Days int `json:"days" desc:"Forecast length" tool:"min=1,max=14,default=7"`
//
// Recognized tool tag options: required, min=N, max=N, maxlen=N,
// enum=a|b|c, default=V and group=N. Fields sharing a group number form one
// alternative of an "exactly one of" constraint, emitted as oneOf.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
	OneOf      []RequiredSet       `json:"oneOf,omitempty"`
}

// RequiredSet is one alternative of a oneOf group.
type RequiredSet struct {
	Required []string `json:"required"`
}

// Property describes a single parameter field.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
	Minimum     *float64  `json:"minimum,omitempty"`
	Maximum     *float64  `json:"maximum,omitempty"`
	MaxLength   *int      `json:"maxLength,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// Map returns the schema as a generic JSON object, the shape vendor SDKs
// take for function parameters.
func (s Schema) Map() map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// field is the parsed form of one request struct field.
type field struct {
	index    []int
	name     string
	kind     reflect.Kind
	prop     Property
	required bool
	group    int
	min      *float64
	max      *float64
	maxLen   int
	enum     []string
	def      string
	hasDef   bool
}

// SchemaOf derives the schema for a request struct type.
func SchemaOf(t reflect.Type) (Schema, error) {
	s, _, err := parseRequest(t)
	return s, err
}

func parseRequest(t reflect.Type) (Schema, []field, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return Schema{}, nil, fmt.Errorf("request type %s is not a struct", t)
	}

	s := Schema{Type: "object", Properties: map[string]Property{}}
	var fields []field
	groups := map[int][]string{}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag := sf.Tag.Get("json"); tag != "" {
			n, _, _ := strings.Cut(tag, ",")
			if n == "-" {
				continue
			}
			if n != "" {
				name = n
			}
		}

		ft := sf.Type
		for ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		f := field{index: sf.Index, name: name, kind: ft.Kind()}
		f.prop = propertyFor(ft)
		f.prop.Description = sf.Tag.Get("desc")

		if err := f.parseTag(sf.Tag.Get("tool")); err != nil {
			return Schema{}, nil, fmt.Errorf("field %s: %w", sf.Name, err)
		}
		if len(f.enum) > 0 {
			if f.prop.Type != "string" {
				return Schema{}, nil, fmt.Errorf("field %s: enum on non-string type", sf.Name)
			}
			f.prop.Enum = f.enum
		}
		f.prop.Minimum, f.prop.Maximum = f.min, f.max
		if f.maxLen > 0 {
			n := f.maxLen
			f.prop.MaxLength = &n
		}
		if f.hasDef {
			v, err := typedDefault(f.kind, f.def)
			if err != nil {
				return Schema{}, nil, fmt.Errorf("field %s: %w", sf.Name, err)
			}
			f.prop.Default = v
		}

		s.Properties[name] = f.prop
		switch {
		case f.group > 0:
			groups[f.group] = append(groups[f.group], name)
		case f.required:
			s.Required = append(s.Required, name)
		}
		fields = append(fields, f)
	}

	if len(groups) > 0 {
		ids := make([]int, 0, len(groups))
		for id := range groups {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			s.OneOf = append(s.OneOf, RequiredSet{Required: groups[id]})
		}
	}
	return s, fields, nil
}

func (f *field) parseTag(tag string) error {
	if tag == "" {
		return nil
	}
	for _, opt := range strings.Split(tag, ",") {
		key, val, _ := strings.Cut(strings.TrimSpace(opt), "=")
		switch key {
		case "":
		case "required":
			f.required = true
		case "min", "max":
			n, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("bad %s %q", key, val)
			}
			if key == "min" {
				f.min = &n
			} else {
				f.max = &n
			}
		case "maxlen":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("bad maxlen %q", val)
			}
			f.maxLen = n
		case "enum":
			f.enum = strings.Split(val, "|")
		case "default":
			f.def, f.hasDef = val, true
		case "group":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return fmt.Errorf("bad group %q", val)
			}
			f.group = n
		default:
			return fmt.Errorf("unknown tool tag option %q", key)
		}
	}
	return nil
}

func propertyFor(t reflect.Type) Property {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return Property{Type: "string"}
	case reflect.Bool:
		return Property{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return Property{Type: "number"}
	case reflect.Slice, reflect.Array:
		items := propertyFor(t.Elem())
		return Property{Type: "array", Items: &items}
	default:
		return Property{Type: "object"}
	}
}

func typedDefault(kind reflect.Kind, raw string) (any, error) {
	switch kind {
	case reflect.String:
		return raw, nil
	case reflect.Bool:
		return strconv.ParseBool(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return strconv.ParseFloat(raw, 64)
	default:
		return nil, fmt.Errorf("default not supported for %s", kind)
	}
}
