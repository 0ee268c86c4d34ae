package root

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParams(t *testing.T) {
	callParams = ""

	p, err := buildParams("tools/list", nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = buildParams("tools/call", []string{"add", "a=2", "b=3.5", "label=plain text", "on=true"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":      "add",
		"arguments": map[string]any{"a": float64(2), "b": 3.5, "label": "plain text", "on": true},
	}, p)

	p, err = buildParams("resources/read", []string{"file:///example.txt"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"uri": "file:///example.txt"}, p)

	_, err = buildParams("tools/call", []string{"echo", "message"})
	assert.ErrorContains(t, err, "not key=value")
}

func TestBuildParamsRaw(t *testing.T) {
	t.Cleanup(func() { callParams = "" })

	callParams = `{"name":"echo","arguments":["hi"]}`
	p, err := buildParams("tools/call", []string{"ignored"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "echo", "arguments": []any{"hi"}}, p)

	callParams = `{`
	_, err = buildParams("tools/call", nil)
	assert.ErrorContains(t, err, "--params")
}
