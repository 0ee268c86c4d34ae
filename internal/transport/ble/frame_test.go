package ble

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMsg = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hello over a tiny mtu"}}}`

func TestFragmentRespectsMTU(t *testing.T) {
	for _, mtu := range []int{1, 7, 20, len(sampleMsg), len(sampleMsg) + 1, 512} {
		chunks, err := Fragment([]byte(sampleMsg), mtu)
		require.NoError(t, err)

		var joined []byte
		for i, c := range chunks {
			assert.LessOrEqual(t, len(c), mtu)
			assert.NotEmpty(t, c)
			if i < len(chunks)-1 {
				assert.NotContains(t, string(c), "\n", "only the last chunk carries the terminator")
			}
			joined = append(joined, c...)
		}
		assert.Equal(t, sampleMsg+"\n", string(joined))
		assert.Equal(t, byte(Terminator), chunks[len(chunks)-1][len(chunks[len(chunks)-1])-1])
	}
}

func TestFragmentCompactsEmbeddedNewlines(t *testing.T) {
	chunks, err := Fragment([]byte("{\n  \"a\": 1\n}\n"), 4)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n", string(bytes.Join(chunks, nil)))

	_, err = Fragment([]byte("not\njson"), 4)
	assert.Error(t, err)

	_, err = Fragment([]byte(sampleMsg), 0)
	assert.ErrorIs(t, err, ErrInvalidMTU)
}

func TestReassembleSplitMessage(t *testing.T) {
	for _, eager := range []bool{false, true} {
		chunks, err := Fragment([]byte(sampleMsg), 20)
		require.NoError(t, err)
		r := NewReassembler(1024, eager)

		var got [][]byte
		for _, c := range chunks {
			msgs, dropped := r.Feed(c)
			assert.Zero(t, dropped)
			got = append(got, msgs...)
		}
		require.Len(t, got, 1, "eager=%v", eager)
		assert.Equal(t, sampleMsg, string(got[0]))
		assert.Zero(t, r.Pending())
	}
}

func TestReassembleSeveralMessagesInOneChunk(t *testing.T) {
	r := NewReassembler(1024, false)
	msgs, _ := r.Feed([]byte("{\"a\":1}\n{\"b\":2}\n{\"c\""))
	require.Len(t, msgs, 2)
	assert.Equal(t, `{"a":1}`, string(msgs[0]))
	assert.Equal(t, `{"b":2}`, string(msgs[1]))
	assert.Equal(t, 4, r.Pending())

	msgs, _ = r.Feed([]byte(":3}\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"c":3}`, string(msgs[0]))
}

func TestReassembleEagerDelivery(t *testing.T) {
	r := NewReassembler(1024, true)
	msgs, _ := r.Feed([]byte(`{"a":{"b":1}`))
	assert.Empty(t, msgs, "inner brace closes but the document is incomplete")
	msgs, _ = r.Feed([]byte(`}`))
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"a":{"b":1}}`, string(msgs[0]))

	// The late terminator does not produce an empty message.
	msgs, _ = r.Feed([]byte("\n"))
	assert.Empty(t, msgs)

	lazy := NewReassembler(1024, false)
	msgs, _ = lazy.Feed([]byte(`{"a":1}`))
	assert.Empty(t, msgs)
	assert.Equal(t, 7, lazy.Pending())
}

func TestReassembleTerminalChunkWithBadJSON(t *testing.T) {
	r := NewReassembler(1024, true)
	msgs, _ := r.Feed([]byte("{\"broken\":"))
	assert.Empty(t, msgs)
	msgs, _ = r.Feed([]byte("\n"))
	require.Len(t, msgs, 1, "a terminated message is delivered even if it will not parse")
	assert.Equal(t, `{"broken":`, string(msgs[0]))
	assert.Zero(t, r.Pending())

	msgs, _ = r.Feed([]byte("{\"ok\":true}\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"ok":true}`, string(msgs[0]), "the bad message does not leak into the next one")
}

func TestReassembleOverflow(t *testing.T) {
	r := NewReassembler(16, false)
	msgs, dropped := r.Feed([]byte(`{"x":"0123456789`))
	assert.Empty(t, msgs)
	assert.Zero(t, dropped)

	msgs, dropped = r.Feed([]byte(`abcdef`))
	assert.Empty(t, msgs)
	assert.Equal(t, 22, dropped)
	assert.Zero(t, r.Pending())

	msgs, dropped = r.Feed([]byte("\"}\n{\"ok\":1}\n"))
	assert.Equal(t, 2, dropped, "remainder of the oversized message is discarded")
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"ok":1}`, string(msgs[0]))
}

func TestReassembleReset(t *testing.T) {
	r := NewReassembler(8, false)
	r.Feed([]byte(strings.Repeat("x", 20)))
	r.Reset()
	msgs, _ := r.Feed([]byte("{}\n"))
	require.Len(t, msgs, 1, "reset leaves discard mode")

	r.Feed([]byte(`{"a"`))
	r.Reset()
	assert.Zero(t, r.Pending())
}
