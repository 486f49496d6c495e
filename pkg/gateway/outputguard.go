package gateway

import "strings"

// anomaly names a suspicious pattern found in a provider response, logged
// alongside PROMPT_RECEIVED so a degraded or compromised provider shows up
// in the ledger rather than silently passing content upstream. Adapted from
// the teacher's ImmunityVerifier.detectAnomaly (pkg/llm/immunity_verifier.go).
type anomaly string

const (
	anomalyNone        anomaly = ""
	anomalyEmpty       anomaly = "empty_output"
	anomalyRepetition  anomaly = "excessive_repetition"
	anomalyInjectLike  anomaly = "suspicious_pattern"
)

// injectionPatterns are phrasings associated with prompt-injection or
// jailbreak attempts surfacing in model output rather than being filtered.
var injectionPatterns = []string{
	"ignore previous instructions",
	"disregard all prior",
	"you are now",
	"pretend you are",
	"act as if",
}

func detectAnomaly(content string) anomaly {
	if len(content) == 0 {
		return anomalyEmpty
	}
	if maxRepeatingRun(content) > 10 {
		return anomalyRepetition
	}
	lower := strings.ToLower(content)
	for _, p := range injectionPatterns {
		if strings.Contains(lower, p) {
			return anomalyInjectLike
		}
	}
	return anomalyNone
}

func maxRepeatingRun(s string) int {
	if len(s) < 2 {
		return 0
	}
	max, run := 1, 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			run++
			if run > max {
				max = run
			}
		} else {
			run = 1
		}
	}
	return max
}
