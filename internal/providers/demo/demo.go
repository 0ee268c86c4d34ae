// Package demo registers the reference capabilities served by picomcp out
// of the box: echo, add and info tools, a text and a binary resource, and
// one prompt.
package demo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"picomcp/internal/mcp"
)

const (
	ExampleURI = "file:///example.txt"
	LogoURI    = "file:///logo.bin"
	PromptName = "example_prompt"
)

// Logo is the content of the binary example resource: a 1x1 PNG.
var Logo = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x60, 0x00, 0x02, 0x00,
	0x00, 0x05, 0x00, 0x01, 0xe9, 0xfa, 0xdc, 0xd8, 0x00, 0x00, 0x00, 0x00,
	0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

type provider struct {
	version string
}

func (p *provider) Name() string { return "demo" }

func init() {
	mcp.RegisterProvider("demo", func(opts map[string]any) (mcp.Provider, error) {
		return &provider{version: mcp.Opt(opts, "version", "0.1.0")}, nil
	})
}

// New returns the demo provider without going through the factory registry.
func New() mcp.Provider { return &provider{version: "0.1.0"} }

func (p *provider) Install(regs *mcp.Registries) error {
	if regs == nil || regs.Tools == nil || regs.Resources == nil || regs.Prompts == nil {
		return errors.New("demo: all three registries are required")
	}

	regs.Tools.Register(mcp.ToolDefinition{
		Name:        "echo",
		Description: "Echoes back the provided message.",
		Properties: map[string]*jsonschema.Schema{
			"message": {Type: "string", Description: "The message to be echoed"},
		},
		ParamNames: []string{"message"},
	}, mcp.ToolFunc(echo))

	regs.Tools.Register(mcp.ToolDefinition{
		Name:        "add",
		Description: "Adds two numbers provided as 'a' and 'b'.",
		Properties: map[string]*jsonschema.Schema{
			"a": {Type: "number", Description: "The first number."},
			"b": {Type: "number", Description: "The second number."},
		},
		ParamNames: []string{"a", "b"},
	}, mcp.ToolFunc(add))

	info := fmt.Sprintf("This is a picomcp server, version %s.", p.version)
	regs.Tools.Register(mcp.ToolDefinition{
		Name:        "info",
		Description: "Provides static information about the server.",
	}, mcp.ToolFunc(func(context.Context, mcp.Args) (any, error) { return info, nil }))

	regs.Resources.Register(mcp.ResourceDefinition{
		URI:         ExampleURI,
		Name:        "Registered Example File",
		Description: "A sample resource with hardcoded content.",
		MimeType:    "text/plain",
	}, mcp.ResourceFunc(func(_ context.Context, uri string) (mcp.ResourceBody, error) {
		return mcp.TextBody("This is the hardcoded content for " + uri + "."), nil
	}))

	regs.Resources.Register(mcp.ResourceDefinition{
		URI:         LogoURI,
		Name:        "Example Binary",
		Description: "A tiny PNG image served as a binary resource.",
		MimeType:    "image/png",
	}, mcp.ResourceFunc(func(context.Context, string) (mcp.ResourceBody, error) {
		return mcp.BinaryBody(Logo), nil
	}))

	regs.Prompts.Register(mcp.PromptDefinition{
		Name:        PromptName,
		Description: "A sample prompt that can discuss a topic.",
		Arguments: []mcp.PromptArgument{
			{Name: "topic", Description: "The topic for the prompt", Required: true},
		},
	}, mcp.PromptFunc(examplePrompt))
	return nil
}

func echo(_ context.Context, args mcp.Args) (any, error) {
	msg, ok := args.String("message")
	if !ok {
		return nil, errors.New("missing required argument 'message'")
	}
	return "Echo: " + msg, nil
}

func add(_ context.Context, args mcp.Args) (any, error) {
	a, err := args.Number("a")
	if err != nil {
		return nil, fmt.Errorf("invalid number input for 'add' tool: %w", err)
	}
	b, err := args.Number("b")
	if err != nil {
		return nil, fmt.Errorf("invalid number input for 'add' tool: %w", err)
	}
	return a + b, nil
}

func examplePrompt(_ context.Context, _ string, args mcp.Args) (*mcp.PromptResult, error) {
	topic, ok := args.String("topic")
	if !ok || topic == "" {
		topic = "a default topic"
	}
	return &mcp.PromptResult{
		Description: "A dynamically generated prompt about " + topic,
		Messages: []mcp.PromptMessage{
			{Role: "user", Content: mcp.TextContent(fmt.Sprintf("Tell me more about %s.", topic))},
		},
	}, nil
}
