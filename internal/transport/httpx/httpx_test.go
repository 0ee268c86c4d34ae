package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picomcp/internal/mcp"
)

func newTestHandler(opts ...Option) *Handler {
	regs := mcp.NewRegistries()
	regs.Tools.Register(mcp.ToolDefinition{Name: "add", ParamNames: []string{"a", "b"}}, mcp.ToolFunc(func(_ context.Context, a mcp.Args) (any, error) {
		x, _ := a.Number("a")
		y, _ := a.Number("b")
		return x + y, nil
	}))
	srv := mcp.NewServer(mcp.NewDispatcher(mcp.ServerInfo{Name: "t", Version: "0"}, regs))
	return NewHandler(srv, opts...)
}

func post(h http.Handler, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func rpcCode(t *testing.T, rec *httptest.ResponseRecorder) int {
	t.Helper()
	var resp struct {
		Error *mcp.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestHandlerSuccess(t *testing.T) {
	rec := post(newTestHandler(), "application/json; charset=utf-8",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":[2,3]}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"5"}],"isError":false}}`, rec.Body.String())
}

func TestHandlerProtocolErrorsAreHTTP200(t *testing.T) {
	rec := post(newTestHandler(), "application/json", `{"jsonrpc":"2.0","id":1,"method":"nope"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mcp.CodeMethodNotFound, rpcCode(t, rec))
}

func TestHandlerNotification(t *testing.T) {
	rec := post(newTestHandler(), "application/json", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandlerRejections(t *testing.T) {
	h := newTestHandler(WithMaxBodyBytes(64))

	rec := post(h, "text/plain", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, mcp.CodeInvalidRequest, rpcCode(t, rec))

	rec = post(h, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = post(h, "application/json", `{"jsonrpc":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, mcp.CodeParseError, rpcCode(t, rec))

	rec = post(h, "application/json", ``)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(h, "application/json", `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"`+strings.Repeat("x", 100)+`"}}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	get := httptest.NewRecorder()
	h.ServeHTTP(get, req)
	assert.Equal(t, http.StatusMethodNotAllowed, get.Code)
	assert.Equal(t, http.MethodPost, get.Header().Get("Allow"))
}

func TestHandlerKeepsRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	newTestHandler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestRunServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, addr, "/mcp", newTestHandler(), logrus.StandardLogger()) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Post("http://"+addr+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"ping"}`))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{}}`, string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
