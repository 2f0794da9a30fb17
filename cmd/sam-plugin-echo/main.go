// sam-plugin-echo is a minimal out-of-process tool plugin. It exists as
// a working reference for plugin authors and as a smoke-test binary for
// the trust pipeline:
//
//	go build -o ./bin/sam-plugin-echo ./cmd/sam-plugin-echo
//	sam plugins trust ./bin/sam-plugin-echo --label "echo demo"
//	SAM_ENABLE_PLUGINS=1 SAM_PLUGINS=./bin/sam-plugin-echo sam serve
package main

import (
	"fmt"
	"strings"

	"github.com/prfagit/sam-framework-sub002/pkg/pluginsdk"
)

type echoProvider struct{}

func (echoProvider) Tools() ([]pluginsdk.ToolSpec, error) {
	return []pluginsdk.ToolSpec{
		{
			Name:        "echo.say",
			Description: "Echo the given text back.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Text to echo"},
				},
				"required": []any{"text"},
			},
		},
		{
			Name:        "echo.reverse",
			Description: "Echo the given text back reversed.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Text to reverse"},
				},
				"required": []any{"text"},
			},
		},
	}, nil
}

func (echoProvider) Invoke(name string, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	switch name {
	case "echo.say":
		return map[string]any{"text": text}, nil
	case "echo.reverse":
		runes := []rune(text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return map[string]any{"text": string(runes)}, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", strings.TrimSpace(name))
	}
}

func main() {
	pluginsdk.Serve(echoProvider{})
}
