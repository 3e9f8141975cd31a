package relevance

import (
	"fmt"
	"sort"
	"strings"
)

// FormatSummary returns a Markdown-formatted summary of one validation
// outcome, suitable for posting as a CI comment or writing next to the run
// artifacts.
func FormatSummary(outcome *Outcome) string {
	var sb strings.Builder

	switch outcome.State {
	case StateConverged:
		sb.WriteString(fmt.Sprintf("## Relevance: %s (converged)\n\n", outcome.TaskID))
	default:
		sb.WriteString(fmt.Sprintf("## Relevance: %s (budget exhausted)\n\n", outcome.TaskID))
	}

	sb.WriteString(fmt.Sprintf("%d exposure trials: %d succeeded, %d infrastructure failures, %d capability failures.\n",
		len(outcome.Trials), outcome.Successes, outcome.InfraFailures, outcome.CapabilityFailures))
	sb.WriteString(fmt.Sprintf("Max remaining uncertainty: %.3f\n\n", outcome.MaxStandardError))

	sb.WriteString("| Document | ΔP | p(in) | p(out) | in/out | SE | Class |\n")
	sb.WriteString("|----------|----|-------|--------|--------|----|-------|\n")
	for _, verdict := range sortedVerdicts(outcome.Verdicts) {
		if verdict.Classification == ClassInsufficientData {
			sb.WriteString(fmt.Sprintf("| %s | n/a | n/a | n/a | %d/%d | n/a | %s |\n",
				verdict.DocumentID, verdict.TrialsIn, verdict.TrialsOut, verdict.Classification))
			continue
		}
		sb.WriteString(fmt.Sprintf("| %s | %+.2f | %.2f | %.2f | %d/%d | %.3f | %s |\n",
			verdict.DocumentID, verdict.DeltaP, verdict.PIn, verdict.POut,
			verdict.TrialsIn, verdict.TrialsOut, verdict.StandardError, verdict.Classification))
	}

	return sb.String()
}

// sortedVerdicts orders verdicts by descending impact, insufficient-data
// entries last, ties broken by id.
func sortedVerdicts(verdicts map[string]Verdict) []Verdict {
	out := make([]Verdict, 0, len(verdicts))
	for _, v := range verdicts {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		iData := out[i].Classification != ClassInsufficientData
		jData := out[j].Classification != ClassInsufficientData
		if iData != jData {
			return iData
		}
		if out[i].DeltaP != out[j].DeltaP {
			return out[i].DeltaP > out[j].DeltaP
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return out
}
