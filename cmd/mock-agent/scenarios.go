package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

var toolCounter int

func nextToolID() string {
	toolCounter++
	return fmt.Sprintf("tool-%d-%d", os.Getpid(), toolCounter)
}

func defaultUsage() map[string]any {
	return map[string]any{"input_tokens": 25, "output_tokens": 60}
}

// runScenario picks a scripted response from keywords in the prompt and
// emits it. The default is a simple init + text + result turn.
func runScenario(enc *json.Encoder, opts options, prompt string) {
	start := time.Now()
	lower := strings.ToLower(prompt)

	emitInit(enc, opts)

	switch {
	case strings.Contains(lower, "scenario:error"):
		emitText(enc, "About to encounter an error...")
		emitResult(enc, start, "simulated failure", true)

	case strings.Contains(lower, "scenario:permission"):
		emitText(enc, "I found the file that needs changing.")
		emitText(enc, "Would you like me to create the file? (y/n)")
		emitResult(enc, start, "", false)

	case strings.Contains(lower, "scenario:tools"):
		toolID := nextToolID()
		_ = enc.Encode(ToolUseMsg{Type: TypeToolUse, ID: toolID, Name: "Bash",
			Input: map[string]any{"command": "echo done", "description": "Print done"}})
		_ = enc.Encode(ToolResultMsg{Type: TypeToolResult, ToolUseID: toolID, Content: "done"})
		emitText(enc, "Command finished.")
		emitResult(enc, start, "done", false)

	case strings.Contains(lower, "scenario:deliverable"):
		emitText(enc, "Here is the function you asked for:\n\n```go\nfunc Add(a, b int) int {\n\treturn a + b\n}\n```")
		emitResult(enc, start, "", false)

	case strings.Contains(lower, "scenario:malformed"):
		// Two records glued on one line plus a trailing fragment, to
		// exercise the gateway's balanced-object salvage.
		fmt.Println(`{"type":"assistant","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"salvaged one"}]}}{"type":"assistant","message":{"id":"m2","role":"assistant","content":[{"type":"text","text":"salvaged two"}]}}`)
		fmt.Print(`{"type":"resu`)

	case strings.Contains(lower, "scenario:silent"):
		// One byte, then hang until the watchdog kills us.
		fmt.Print("{")
		_ = os.Stdout.Sync()
		time.Sleep(time.Hour)

	case strings.Contains(lower, "scenario:multiblock"):
		emitText(enc, "Hello")
		emitText(enc, "world")
		emitResult(enc, start, "", false)

	default:
		emitText(enc, "This is a mock response to: "+prompt)
		emitResult(enc, start, "ok", false)
	}
}

func emitInit(enc *json.Encoder, opts options) {
	cwd, _ := os.Getwd()
	_ = enc.Encode(SystemMsg{
		Type:      TypeSystem,
		Subtype:   "init",
		SessionID: sessionID,
		Model:     opts.model,
		CWD:       cwd,
		Tools:     []string{"Bash", "Read", "Edit", "Grep", "Glob"},
	})
}

func emitText(enc *json.Encoder, text string) {
	_ = enc.Encode(AssistantMsg{
		Type: TypeAssistant,
		Message: AssistantBody{
			ID:      nextToolID(),
			Role:    "assistant",
			Content: []ContentBlock{{Type: BlockText, Text: text}},
			Model:   "mock-default",
			Usage:   defaultUsage(),
		},
	})
}

func emitResult(enc *json.Encoder, start time.Time, text string, isError bool) {
	_ = enc.Encode(ResultMsg{
		Type:       TypeResult,
		Result:     text,
		IsError:    isError,
		DurationMS: time.Since(start).Milliseconds(),
		CostUSD:    0.0003,
		NumTurns:   1,
		Usage:      defaultUsage(),
	})
}
