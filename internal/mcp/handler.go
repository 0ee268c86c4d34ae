package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnsupportedContent is returned when a resource body holds neither text
// nor bytes.
var ErrUnsupportedContent = errors.New("unsupported resource content")

// Args are the named arguments handed to a tool or prompt handler. Positional
// arguments are mapped to names before the handler sees them.
type Args map[string]any

// String returns the string argument k.
func (a Args) String(k string) (string, bool) {
	s, ok := a[k].(string)
	return s, ok
}

// Number returns argument k as a float64, accepting JSON numbers and numeric
// strings.
func (a Args) Number(k string) (float64, error) {
	v, ok := a[k]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", k)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q is not a number: %q", k, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("argument %q is not a number", k)
}

// Int returns argument k as an int or def when it is absent or not numeric.
func (a Args) Int(k string, def int) int {
	f, err := a.Number(k)
	if err != nil {
		return def
	}
	return int(f)
}

// ToolHandler is the capability bound to a tool definition.
type ToolHandler interface {
	CallTool(ctx context.Context, args Args) (any, error)
}

// ToolFunc adapts a function to ToolHandler.
type ToolFunc func(ctx context.Context, args Args) (any, error)

func (f ToolFunc) CallTool(ctx context.Context, args Args) (any, error) { return f(ctx, args) }

// ResourceHandler is the capability bound to a resource definition.
type ResourceHandler interface {
	ReadResource(ctx context.Context, uri string) (ResourceBody, error)
}

// ResourceFunc adapts a function to ResourceHandler.
type ResourceFunc func(ctx context.Context, uri string) (ResourceBody, error)

func (f ResourceFunc) ReadResource(ctx context.Context, uri string) (ResourceBody, error) {
	return f(ctx, uri)
}

// PromptHandler is the capability bound to a prompt definition.
type PromptHandler interface {
	GetPrompt(ctx context.Context, name string, args Args) (*PromptResult, error)
}

// PromptFunc adapts a function to PromptHandler.
type PromptFunc func(ctx context.Context, name string, args Args) (*PromptResult, error)

func (f PromptFunc) GetPrompt(ctx context.Context, name string, args Args) (*PromptResult, error) {
	return f(ctx, name, args)
}

// ResourceBody is the raw content a resource handler produces. Binary bodies
// stay raw here and are base64-encoded only when the response is built.
type ResourceBody struct {
	text   string
	data   []byte
	binary bool
	set    bool
}

// TextBody returns a text resource body.
func TextBody(s string) ResourceBody { return ResourceBody{text: s, set: true} }

// BinaryBody returns a binary resource body.
func BinaryBody(b []byte) ResourceBody { return ResourceBody{data: b, binary: true, set: true} }

func (b ResourceBody) IsBinary() bool { return b.binary }
func (b ResourceBody) Text() string   { return b.text }
func (b ResourceBody) Bytes() []byte  { return b.data }

// Convention is how a tool accepts its arguments, fixed at registration.
type Convention int

const (
	// NamedOnly tools accept only an arguments object.
	NamedOnly Convention = iota
	// PositionalMapped tools also accept an arguments array, mapped onto
	// the tool's ordered parameter names.
	PositionalMapped
)

func (c Convention) String() string {
	switch c {
	case NamedOnly:
		return "named"
	case PositionalMapped:
		return "positional"
	}
	return "unknown"
}

// callSafely runs fn and converts a panic into an error so a misbehaving
// handler cannot take down a serving loop.
func callSafely[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}
