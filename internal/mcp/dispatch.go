package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher maps a decoded JSON-RPC message onto the registries and shapes
// the response. It keeps no state between calls.
type Dispatcher struct {
	info      ServerInfo
	tools     *ToolRegistry
	resources *ResourceRegistry
	prompts   *PromptRegistry
	log       logrus.FieldLogger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger sets the logger used for diagnostics.
func WithDispatchLogger(l logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// NewDispatcher returns a dispatcher over regs. Nil registries are treated as
// capabilities the server does not offer.
func NewDispatcher(info ServerInfo, regs *Registries, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{info: info, log: logrus.StandardLogger()}
	if regs != nil {
		d.tools, d.resources, d.prompts = regs.Tools, regs.Resources, regs.Prompts
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch processes req and returns its response, or nil for a
// notification. Notifications are still fully processed.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	start := time.Now()
	result, rpcErr := d.route(ctx, req)

	fields := logrus.Fields{"method": req.Method, "elapsed": time.Since(start)}
	if req.IsNotification() {
		if rpcErr != nil {
			d.log.WithFields(fields).WithError(rpcErr).Debug("notification failed; no response sent")
		} else {
			d.log.WithFields(fields).Debug("notification processed")
		}
		return nil
	}
	fields["id"] = string(req.responseID())
	if rpcErr != nil {
		d.log.WithFields(fields).WithField("code", rpcErr.Code).Debug("request failed")
		return NewErrorResponse(req.responseID(), rpcErr)
	}
	d.log.WithFields(fields).Debug("request handled")
	return NewResult(req.responseID(), result)
}

func (d *Dispatcher) route(ctx context.Context, req *Request) (any, *Error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	switch req.Method {
	case "initialize":
		return d.initialize(req.Params), nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return d.listTools()
	case "tools/call":
		return d.callTool(ctx, req.Params)
	case "resources/list":
		return d.listResources()
	case "resources/read":
		return d.readResource(ctx, req.Params)
	case "resources/subscribe", "resources/unsubscribe":
		return d.acknowledgeSubscription(req.Method, req.Params)
	case "prompts/list":
		return d.listPrompts()
	case "prompts/get":
		return d.getPrompt(ctx, req.Params)
	}
	if strings.HasPrefix(req.Method, "notifications/") {
		return struct{}{}, nil
	}
	return nil, Errorf(CodeMethodNotFound, "the method %q is not supported by this server", req.Method)
}

// Capabilities reports what initialize advertises: a capability is present
// only when its registry was supplied and holds at least one definition.
func (d *Dispatcher) Capabilities() Capabilities {
	var caps Capabilities
	if d.tools.Len() > 0 {
		caps.Tools = &ListChangedCapability{}
	}
	if d.resources.Len() > 0 {
		caps.Resources = &ResourcesCapability{}
	}
	if d.prompts.Len() > 0 {
		caps.Prompts = &ListChangedCapability{}
	}
	return caps
}

func (d *Dispatcher) initialize(raw json.RawMessage) InitializeResult {
	var params struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ClientInfo      ServerInfo `json:"clientInfo"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &params) == nil {
		d.log.WithFields(logrus.Fields{
			"client":          params.ClientInfo.Name,
			"clientVersion":   params.ClientInfo.Version,
			"protocolVersion": params.ProtocolVersion,
		}).Info("client initializing")
	}
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      d.info,
		Capabilities:    d.Capabilities(),
	}
}

func unavailable(kind string) *Error {
	return NewError(CodeHandlerError, "Server configuration error", kind+" registry not available")
}

func (d *Dispatcher) listTools() (any, *Error) {
	if d.tools == nil {
		return nil, unavailable("tool")
	}
	out := listToolsResult{Tools: make([]ToolInfo, 0, d.tools.Len())}
	for def := range d.tools.List() {
		out.Tools = append(out.Tools, def.Info())
	}
	return out, nil
}

func (d *Dispatcher) callTool(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, Errorf(CodeInvalidParams, "tool name not provided")
	}
	if d.tools == nil {
		return nil, unavailable("tool")
	}
	def, ok := d.tools.Get(params.Name)
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "tool %q not found", params.Name)
	}
	args, bindErr := def.bindArgs(params.Arguments)
	if bindErr != nil {
		return nil, bindErr
	}

	out, err := callSafely(func() (any, error) { return def.handler.CallTool(ctx, args) })
	if err != nil {
		d.log.WithField("tool", def.Name).WithError(err).Warn("tool execution failed")
		return CallToolResult{Content: []Content{TextContent(err.Error())}, IsError: true}, nil
	}
	return toolResult(out), nil
}

// toolResult wraps a handler's return value as tool content unless it is
// already in content shape.
func toolResult(out any) CallToolResult {
	switch v := out.(type) {
	case CallToolResult:
		if v.Content == nil {
			v.Content = []Content{}
		}
		return v
	case *CallToolResult:
		if v != nil {
			return toolResult(*v)
		}
	case []Content:
		if v == nil {
			v = []Content{}
		}
		return CallToolResult{Content: v}
	case Content:
		return CallToolResult{Content: []Content{v}}
	}
	return CallToolResult{Content: []Content{TextContent(stringify(out))}}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func (d *Dispatcher) listResources() (any, *Error) {
	if d.resources == nil {
		return nil, unavailable("resource")
	}
	out := listResourcesResult{Resources: make([]ResourceInfo, 0, d.resources.Len())}
	for def := range d.resources.List() {
		out.Resources = append(out.Resources, def.Info())
	}
	return out, nil
}

func (d *Dispatcher) readResource(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, Errorf(CodeInvalidParams, "missing 'uri' parameter")
	}
	if d.resources == nil {
		return nil, unavailable("resource")
	}
	def, ok := d.resources.Get(params.URI)
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "resource %q not found", params.URI)
	}

	body, err := callSafely(func() (ResourceBody, error) { return def.handler.ReadResource(ctx, def.URI) })
	if err == nil && !body.set {
		err = fmt.Errorf("resource %q: %w", def.URI, ErrUnsupportedContent)
	}
	if err != nil {
		d.log.WithField("uri", def.URI).WithError(err).Warn("resource read failed")
		return nil, handlerError("resource error", err)
	}

	contents := ResourceContents{URI: def.URI, MimeType: def.MimeType}
	if body.IsBinary() {
		blob := base64.StdEncoding.EncodeToString(body.Bytes())
		contents.Blob = &blob
		if contents.MimeType == "" {
			contents.MimeType = "application/octet-stream"
		}
	} else {
		text := body.Text()
		contents.Text = &text
		if contents.MimeType == "" {
			contents.MimeType = "text/plain"
		}
	}
	return ReadResourceResult{Contents: []ResourceContents{contents}}, nil
}

// acknowledgeSubscription validates the uri and acknowledges. No state is
// kept and no update notifications are ever sent.
func (d *Dispatcher) acknowledgeSubscription(method string, raw json.RawMessage) (any, *Error) {
	var params struct {
		URI *string `json:"uri"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "missing or invalid 'uri' parameter (must be a string)")
	}
	if params.URI == nil || *params.URI == "" {
		return nil, Errorf(CodeInvalidParams, "missing or invalid 'uri' parameter (must be a string)")
	}
	d.log.WithFields(logrus.Fields{"method": method, "uri": *params.URI}).Debug("subscription acknowledged; updates are not delivered")
	return struct{}{}, nil
}

func (d *Dispatcher) listPrompts() (any, *Error) {
	if d.prompts == nil {
		return nil, unavailable("prompt")
	}
	out := listPromptsResult{Prompts: make([]PromptInfo, 0, d.prompts.Len())}
	for def := range d.prompts.List() {
		out.Prompts = append(out.Prompts, def.Info())
	}
	return out, nil
}

func (d *Dispatcher) getPrompt(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, Errorf(CodeInvalidParams, "missing 'name' parameter for prompt")
	}
	var args Args
	if a := strings.TrimSpace(string(params.Arguments)); a != "" && a != "null" {
		if a[0] != '{' {
			return nil, Errorf(CodeInvalidParams, "prompt arguments must be an object")
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return nil, Errorf(CodeInvalidParams, "%v", err)
		}
	}
	if args == nil {
		args = Args{}
	}
	if d.prompts == nil {
		return nil, unavailable("prompt")
	}
	def, ok := d.prompts.Get(params.Name)
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "prompt %q not found", params.Name)
	}

	res, err := callSafely(func() (*PromptResult, error) { return def.handler.GetPrompt(ctx, def.Name, args) })
	if err == nil && res == nil {
		err = fmt.Errorf("prompt %q handler returned no result", def.Name)
	}
	if err != nil {
		d.log.WithField("prompt", def.Name).WithError(err).Warn("prompt generation failed")
		return nil, handlerError("prompt error", err)
	}
	if res.Messages == nil {
		res.Messages = []PromptMessage{}
	}
	return res, nil
}

// handlerError reports a resource or prompt handler failure at the protocol
// level. Handlers returning *Error keep their own code.
func handlerError(message string, err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewError(CodeHandlerError, message, err.Error())
}
