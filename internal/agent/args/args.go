// Package args builds and validates Agent CLI argument vectors.
//
// The prompt is never placed in argv. Print-mode invocations receive it on
// stdin, which avoids argv length limits and shell quoting problems.
package args

import (
	"fmt"
	"strings"

	apperrors "github.com/agentgate/agentgate/internal/common/errors"
)

// Permission modes accepted by the Agent CLI.
const (
	ModeDefault           = "default"
	ModeAcceptEdits       = "acceptEdits"
	ModeBypassPermissions = "bypassPermissions"
	ModePlan              = "plan"
)

// Output formats accepted by the Agent CLI.
const (
	FormatJSON       = "json"
	FormatText       = "text"
	FormatMarkdown   = "markdown"
	FormatStreamJSON = "stream-json"
)

// Flags emitted by the builder or accepted from callers.
const (
	FlagPrint           = "--print"
	FlagVerbose         = "--verbose"
	FlagOutputFormat    = "--output-format"
	FlagPermissionMode  = "--permission-mode"
	FlagAllowedTools    = "--allowedTools"
	FlagDisallowedTools = "--disallowedTools"
	FlagSkipPermissions = "--dangerously-skip-permissions"
	FlagResume          = "--resume"
	FlagContinue        = "--continue"
	FlagModel           = "--model"
	FlagMaxTurns        = "--max-turns"
)

var knownFlags = map[string]bool{
	FlagPrint:           true,
	FlagVerbose:         true,
	FlagOutputFormat:    true,
	FlagPermissionMode:  true,
	FlagAllowedTools:    true,
	FlagDisallowedTools: true,
	FlagSkipPermissions: true,
	FlagResume:          true,
	FlagContinue:        true,
	FlagModel:           true,
	FlagMaxTurns:        true,
}

// Characters with shell meaning are rejected in every argument. The CLI is
// exec'd directly, but arguments still end up in logs and subprocess tooling.
const shellMetachars = ";&|`$(){}[]<>"

// PermissionProfile describes how much autonomy the spawned Agent CLI gets.
type PermissionProfile struct {
	Mode            string   `json:"mode,omitempty"`
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
	SkipPermissions bool     `json:"skipPermissions,omitempty"`
	OutputFormat    string   `json:"outputFormat,omitempty"`
}

// Validate checks the profile's enumerated fields.
func (p PermissionProfile) Validate() error {
	switch p.Mode {
	case "", ModeDefault, ModeAcceptEdits, ModeBypassPermissions, ModePlan:
	default:
		return apperrors.InvalidArgs(fmt.Sprintf("invalid permission mode %q", p.Mode))
	}
	switch p.OutputFormat {
	case "", FormatJSON, FormatText, FormatMarkdown, FormatStreamJSON:
	default:
		return apperrors.InvalidArgs(fmt.Sprintf("invalid output format %q", p.OutputFormat))
	}
	return nil
}

// Build constructs the argv for one Agent CLI turn. The result always starts
// with --print and --verbose so the CLI runs non-interactively and emits
// stream-json records; extra arguments are appended after the profile flags
// and validated together with them.
func Build(profile PermissionProfile, extra ...string) ([]string, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	format := profile.OutputFormat
	if format == "" {
		format = FormatStreamJSON
	}

	argv := []string{FlagPrint, FlagVerbose, FlagOutputFormat, format}

	if profile.SkipPermissions {
		// Skip mode is exclusive: mode and tool lists are dropped.
		argv = append(argv, FlagSkipPermissions)
	} else {
		if profile.Mode != "" && profile.Mode != ModeDefault {
			argv = append(argv, FlagPermissionMode, profile.Mode)
		}
		if len(profile.AllowedTools) > 0 {
			argv = append(argv, FlagAllowedTools, strings.Join(profile.AllowedTools, ","))
		}
		if len(profile.DisallowedTools) > 0 {
			argv = append(argv, FlagDisallowedTools, strings.Join(profile.DisallowedTools, ","))
		}
	}

	argv = append(argv, extra...)

	if err := ValidateArgs(argv); err != nil {
		return nil, err
	}
	return argv, nil
}

// ValidateArgs rejects empty arguments, shell metacharacters, and long flags
// the Agent CLI does not recognize.
func ValidateArgs(argv []string) error {
	for _, arg := range argv {
		if arg == "" {
			return apperrors.InvalidArgs("empty argument")
		}
		if i := strings.IndexAny(arg, shellMetachars); i >= 0 {
			return apperrors.InvalidArgs(fmt.Sprintf("argument %q contains shell metacharacter %q", arg, arg[i]))
		}
		if strings.HasPrefix(arg, "--") {
			flag, _, _ := strings.Cut(arg, "=")
			if !knownFlags[flag] {
				return apperrors.InvalidArgs(fmt.Sprintf("unknown flag %q", flag))
			}
		}
	}
	return nil
}

// PromptOnStdin reports whether the prompt must be written to stdin for the
// given argv instead of being passed as an argument.
func PromptOnStdin(argv []string) bool {
	for _, arg := range argv {
		if arg == FlagPrint {
			return true
		}
	}
	return false
}
