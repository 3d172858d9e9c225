// Package tools provides the tools the model can call during a chat turn.
// It defines the Handler contract, the schema derived from typed request
// structs, the Registry that dispatches calls, and the built-in handlers.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Metadata is what the model is told about a tool.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// Handler is a callable capability. Execute receives the raw JSON arguments
// produced by the model and returns a JSON result, or a *ToolError.
type Handler interface {
	Metadata() Metadata
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Func is the business logic of a typed tool. The request has already been
// decoded, defaulted and checked against its declared constraints.
type Func[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Typed adapts a Func over a request/response pair into a Handler.
type Typed[Req, Resp any] struct {
	meta   Metadata
	fields []field
	handle Func[Req, Resp]
}

// New builds a typed handler. The schema is derived once from Req's tags.
// It panics on malformed tags: that is a bug in the tool, not in the input.
func New[Req, Resp any](name, description string, handle Func[Req, Resp]) *Typed[Req, Resp] {
	schema, fields, err := parseRequest(reflect.TypeOf((*Req)(nil)).Elem())
	if err != nil {
		panic(fmt.Sprintf("tools: %s: %v", name, err))
	}
	return &Typed[Req, Resp]{
		meta:   Metadata{Name: name, Description: description, Parameters: schema},
		fields: fields,
		handle: handle,
	}
}

func (t *Typed[Req, Resp]) Metadata() Metadata { return t.meta }

func (t *Typed[Req, Resp]) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	req, err := t.decode(args)
	if err != nil {
		return nil, err
	}

	resp, err := t.handle(ctx, req)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, Failed(fmt.Errorf("encode response: %w", err))
	}
	if bytes.Equal(out, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	return out, nil
}

// decode turns raw arguments into Req: defaults first, then the supplied
// values, then the declared constraints.
func (t *Typed[Req, Resp]) decode(args json.RawMessage) (Req, error) {
	var req Req
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(args, &present); err != nil {
		return req, InvalidArgs("arguments must be a JSON object: %v", err)
	}

	v := reflect.ValueOf(&req).Elem()
	for _, f := range t.fields {
		if f.hasDef {
			setDefault(v.FieldByIndex(f.index), f)
		}
	}

	if err := json.Unmarshal(args, &req); err != nil {
		return req, InvalidArgs("decode arguments for %s: %v", t.meta.Name, err)
	}

	for _, f := range t.fields {
		if err := f.check(v.FieldByIndex(f.index), has(present, f.name)); err != nil {
			return req, err
		}
	}
	return req, nil
}

func has(present map[string]json.RawMessage, name string) bool {
	for k, raw := range present {
		if strings.EqualFold(k, name) {
			return !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
		}
	}
	return false
}

func setDefault(v reflect.Value, f field) {
	if v.Kind() == reflect.Ptr || !v.CanSet() {
		return
	}
	d, err := typedDefault(f.kind, f.def)
	if err != nil {
		return
	}
	switch x := d.(type) {
	case string:
		v.SetString(x)
	case bool:
		v.SetBool(x)
	case float64:
		switch {
		case v.CanInt():
			v.SetInt(int64(x))
		case v.CanUint():
			v.SetUint(uint64(x))
		case v.CanFloat():
			v.SetFloat(x)
		}
	}
}

func (f field) check(v reflect.Value, present bool) error {
	if !present {
		if f.required {
			return InvalidArgs("%s is required", f.name)
		}
		if !f.hasDef {
			return nil
		}
	}
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	var num float64
	isNum := true
	switch {
	case v.CanInt():
		num = float64(v.Int())
	case v.CanUint():
		num = float64(v.Uint())
	case v.CanFloat():
		num = v.Float()
	default:
		isNum = false
	}
	if isNum {
		if f.min != nil && num < *f.min {
			return InvalidArgs("%s must be >= %g", f.name, *f.min)
		}
		if f.max != nil && num > *f.max {
			return InvalidArgs("%s must be <= %g", f.name, *f.max)
		}
	}

	if v.Kind() == reflect.String {
		s := v.String()
		if f.required && strings.TrimSpace(s) == "" {
			return InvalidArgs("%s must not be empty", f.name)
		}
		if f.maxLen > 0 && len([]rune(s)) > f.maxLen {
			return InvalidArgs("%s must be at most %d characters", f.name, f.maxLen)
		}
		if len(f.enum) > 0 && s != "" {
			for _, e := range f.enum {
				if strings.EqualFold(e, s) {
					if v.CanSet() {
						v.SetString(e)
					}
					return nil
				}
			}
			return InvalidArgs("%s must be one of: %s", f.name, strings.Join(f.enum, ", "))
		}
	}
	return nil
}
