// Package main implements a stand-in Agent CLI that speaks the stream-json
// contract the gateway expects: flags on argv, prompt on stdin, one JSON
// record per stdout line, exit 0 on success. Scenarios are selected by
// keywords in the prompt so end-to-end tests can exercise specific gateway
// paths without a real agent.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// sessionID is unique per process; each turn spawns a fresh instance.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(2)
	}

	prompt, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: reading stdin: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	runScenario(enc, opts, strings.TrimSpace(string(prompt)))
}

// options are the argv settings the gateway sends.
type options struct {
	outputFormat    string
	permissionMode  string
	model           string
	resumeID        string
	skipPermissions bool
}

// parseArgs accepts the flag set the gateway's argument builder emits.
// Unknown flags are an error, matching the real CLI.
func parseArgs(argv []string) (options, error) {
	opts := options{outputFormat: "stream-json", model: "mock-default"}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		next := func() (string, error) {
			if i+1 >= len(argv) {
				return "", fmt.Errorf("flag %s requires a value", arg)
			}
			i++
			return argv[i], nil
		}

		var err error
		switch arg {
		case "--print", "--verbose", "--continue":
			// accepted, no-op for the mock
		case "--dangerously-skip-permissions":
			opts.skipPermissions = true
		case "--output-format":
			opts.outputFormat, err = next()
		case "--permission-mode":
			opts.permissionMode, err = next()
		case "--model":
			opts.model, err = next()
		case "--resume":
			opts.resumeID, err = next()
		case "--allowedTools", "--disallowedTools", "--max-turns":
			_, err = next()
		default:
			return opts, fmt.Errorf("unknown flag %q", arg)
		}
		if err != nil {
			return opts, err
		}
	}
	return opts, nil
}
