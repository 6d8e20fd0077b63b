package supervisor

import (
	"strings"
	"time"
)

// Budget tiers, chosen from the prompt text. Longer prompts and prompts that
// ask for codebase-wide work get more time before the watchdog fires.
const (
	budgetVeryComplex = 600 * time.Second
	budgetComplex     = 300 * time.Second
	budgetMedium      = 180 * time.Second
	budgetSimple      = 120 * time.Second

	// Silence cap while the CLI is streaming output.
	maxSilenceBudget = 180 * time.Second

	// Budgets above this mark the invocation long-running: the caller is
	// acknowledged immediately and progress events are emitted until exit.
	longRunningThreshold = 300 * time.Second
)

var veryComplexKeywords = []string{
	"expert", "comprehensive", "thorough", "complete", "full",
	"entire project", "whole codebase", "all files",
}

var complexKeywords = []string{
	"review", "analyze", "audit", "refactor", "debug", "document",
	"test", "benchmark", "profile", "optimize", "implement", "migrate",
}

// Budget is the timeout profile of one invocation.
type Budget struct {
	// Total bounds the invocation while no output has been seen.
	Total time.Duration

	// Silence bounds the gap between output bytes once streaming has begun.
	Silence time.Duration

	// LongRunning marks invocations that outlive the synchronous reply window.
	LongRunning bool
}

// ComputeBudget derives the timeout profile from the prompt. One-shot
// invocations get a fixed short budget regardless of prompt content.
func ComputeBudget(prompt string, oneShot bool, oneShotTimeout time.Duration) Budget {
	if oneShot {
		return finishBudget(oneShotTimeout)
	}

	lower := strings.ToLower(prompt)
	for _, kw := range veryComplexKeywords {
		if strings.Contains(lower, kw) {
			return finishBudget(budgetVeryComplex)
		}
	}
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			return finishBudget(budgetComplex)
		}
	}

	switch {
	case len(prompt) > 200:
		return finishBudget(budgetComplex)
	case len(prompt) > 50:
		return finishBudget(budgetMedium)
	default:
		return finishBudget(budgetSimple)
	}
}

func finishBudget(total time.Duration) Budget {
	silence := total / 3
	if silence > maxSilenceBudget {
		silence = maxSilenceBudget
	}
	return Budget{
		Total:       total,
		Silence:     silence,
		LongRunning: total > longRunningThreshold,
	}
}
