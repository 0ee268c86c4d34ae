package root

import (
	"encoding/json"
	"fmt"
	"strings"

	markdown "github.com/MichaelMure/go-term-markdown"
	"github.com/spf13/cobra"

	"picomcp/internal/client"
)

var (
	callURL    string
	callParams string
	callRaw    bool
	callNotify bool
)

var callCmd = &cobra.Command{
	Use:   "call <method> [tool-or-uri] [key=value ...]",
	Short: "Send one JSON-RPC request to a running HTTP server",
	Long: "Send one JSON-RPC request and print the result.\n\n" +
		"  picomcp call tools/list\n" +
		"  picomcp call tools/call add a=2 b=3\n" +
		"  picomcp call resources/read file:///example.txt\n" +
		"  picomcp call prompts/get example_prompt topic=gophers",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := buildParams(args[0], args[1:])
		if err != nil {
			return err
		}
		c := client.New(callURL, nil)
		if callNotify {
			return c.Notify(cmd.Context(), args[0], params)
		}
		reply, err := c.Call(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		if reply == nil {
			return nil
		}
		if reply.Error != nil {
			return reply.Error
		}
		out := cmd.OutOrStdout()
		if callRaw {
			_, err := fmt.Fprintln(out, string(reply.Result))
			return err
		}
		text := client.Text(reply.Result)
		_, err = fmt.Fprint(out, string(markdown.Render(text, 80, 2)))
		return err
	},
}

// buildParams turns CLI arguments into request params. --params, when set,
// is used verbatim.
func buildParams(method string, rest []string) (any, error) {
	if callParams != "" {
		var p any
		if err := json.Unmarshal([]byte(callParams), &p); err != nil {
			return nil, fmt.Errorf("--params: %w", err)
		}
		return p, nil
	}
	if len(rest) == 0 {
		return nil, nil
	}
	target, kv := rest[0], rest[1:]
	arguments := map[string]any{}
	for _, pair := range kv {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		// Values that parse as JSON (numbers, booleans, objects) keep their type.
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			arguments[k] = decoded
		} else {
			arguments[k] = v
		}
	}
	switch method {
	case "resources/read", "resources/subscribe", "resources/unsubscribe":
		return map[string]any{"uri": target}, nil
	default:
		return map[string]any{"name": target, "arguments": arguments}, nil
	}
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Annotations = map[string]string{"skipConfig": "true"}

	callCmd.Flags().StringVar(&callURL, "url", "http://localhost:8080/", "Server endpoint")
	callCmd.Flags().StringVar(&callParams, "params", "", "Raw JSON params (overrides positional arguments)")
	callCmd.Flags().BoolVar(&callRaw, "raw", false, "Print the result JSON instead of rendered text")
	callCmd.Flags().BoolVar(&callNotify, "notify", false, "Send as a notification (no id, no reply)")
}
