package hygiene

import (
	"fmt"
	"strings"

	"github.com/jirabot/jirabot/internal/types"
)

// DuplicateRuleID is the rule id recorded by the batch duplicate scan.
const DuplicateRuleID = "duplicate-check"

// DuplicateConfig controls the batch duplicate scan. Unlike the per-ticket
// rules, the scan needs the whole batch at once, so it runs beside the
// engine's cross product rather than inside it.
type DuplicateConfig struct {
	Enabled bool `yaml:"enabled"`

	// MinOverlap is how many significant words two tickets must share
	// before they are flagged as likely duplicates.
	MinOverlap int `yaml:"min_overlap"`

	// MaxListed caps how many candidate keys one result names.
	MaxListed int `yaml:"max_listed"`
}

// DefaultDuplicateConfig enables the scan with conservative matching.
func DefaultDuplicateConfig() DuplicateConfig {
	return DuplicateConfig{Enabled: true, MinOverlap: 3, MaxListed: 5}
}

// ScanDuplicates flags tickets in the batch whose text shares enough
// significant words to suggest the same underlying issue. Tickets with no
// candidates produce no result; a flagged ticket gets one warning result
// with an add_comment suggestion naming the likely duplicates.
func ScanDuplicates(tickets []types.Ticket, cfg DuplicateConfig) []types.RuleResult {
	if !cfg.Enabled || len(tickets) < 2 {
		return nil
	}
	minOverlap := cfg.MinOverlap
	if minOverlap <= 0 {
		minOverlap = DefaultDuplicateConfig().MinOverlap
	}
	maxListed := cfg.MaxListed
	if maxListed <= 0 {
		maxListed = DefaultDuplicateConfig().MaxListed
	}

	words := make([]map[string]struct{}, len(tickets))
	for i := range tickets {
		words[i] = significantWords(tickets[i].Summary + " " + tickets[i].Description)
	}

	var results []types.RuleResult
	for i := range tickets {
		var matches []string
		for j := range tickets {
			if i == j || tickets[i].Key == tickets[j].Key {
				continue
			}
			if wordOverlap(words[i], words[j]) >= minOverlap {
				matches = append(matches, tickets[j].Key)
				if len(matches) >= maxListed {
					break
				}
			}
		}
		if len(matches) == 0 {
			continue
		}
		comment := types.NewActionRequest(types.ActionAddComment, tickets[i].Key,
			types.ActionPayload{CommentBody: duplicateComment(matches)},
			"rule:"+DuplicateRuleID)
		results = append(results, types.RuleResult{
			RuleID:          DuplicateRuleID,
			TicketKey:       tickets[i].Key,
			Violated:        true,
			Severity:        types.SeverityWarning,
			Message:         fmt.Sprintf("likely duplicate of %s", strings.Join(matches, ", ")),
			SuggestedAction: &comment,
		})
	}
	return results
}

func duplicateComment(keys []string) string {
	var sb strings.Builder
	sb.WriteString("Possible duplicate tickets:\n")
	for _, key := range keys {
		fmt.Fprintf(&sb, "- %s\n", key)
	}
	sb.WriteString("\nPlease check whether this issue is already being tracked.")
	return sb.String()
}

// significantWords lowercases the text and keeps words longer than two
// characters, dropping the filler that would otherwise match everything.
func significantWords(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}

func wordOverlap(a, b map[string]struct{}) int {
	n := 0
	for w := range b {
		if _, ok := a[w]; ok {
			n++
		}
	}
	return n
}
