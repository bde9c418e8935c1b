package flow

import (
	"strconv"
	"strings"

	"github.com/mindframe-health/mindframe/internal/models"
)

// snapshotMaxRunes bounds the emotional-state snapshots captured in the
// session metrics.
const snapshotMaxRunes = 120

// insightMaxRunes bounds the fallback key insight taken from a reply prefix.
const insightMaxRunes = 160

// parseSummaryReply extracts the structured session summary from a
// summarize-turn reply following the tagged-line contract (TOPICS:,
// INSIGHT:, PROGRESS:, HOMEWORK:, RATING:). Missing fields fall back to a
// truncated reply prefix so a non-conforming reply still yields a usable
// summary. The returned rating is 0 when absent or unparseable.
func parseSummaryReply(reply string) (models.SessionSummary, int) {
	var summary models.SessionSummary
	rating := 0

	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "TOPICS:"):
			for _, topic := range strings.Split(line[len("TOPICS:"):], ",") {
				if topic = strings.TrimSpace(topic); topic != "" {
					summary.MainTopics = append(summary.MainTopics, topic)
				}
			}
		case strings.HasPrefix(upper, "INSIGHT:"):
			summary.KeyInsight = strings.TrimSpace(line[len("INSIGHT:"):])
		case strings.HasPrefix(upper, "PROGRESS:"):
			summary.ProgressNote = strings.TrimSpace(line[len("PROGRESS:"):])
		case strings.HasPrefix(upper, "HOMEWORK:"):
			summary.Homework = strings.TrimSpace(line[len("HOMEWORK:"):])
		case strings.HasPrefix(upper, "RATING:"):
			if n, err := strconv.Atoi(strings.TrimSpace(line[len("RATING:"):])); err == nil && n >= 1 && n <= 5 {
				rating = n
			}
		}
	}

	if summary.KeyInsight == "" {
		summary.KeyInsight = truncateRunes(strings.TrimSpace(reply), insightMaxRunes)
	}
	return summary, rating
}

// degradedSummary builds a minimal summary from the transcript alone, used
// when the provider is unavailable at session end.
func degradedSummary(transcript []models.ConversationMessage) models.SessionSummary {
	var lastAssistant string
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == models.RoleAssistant {
			lastAssistant = transcript[i].Content
			break
		}
	}
	return models.SessionSummary{
		KeyInsight:   truncateRunes(lastAssistant, insightMaxRunes),
		ProgressNote: "Session ended without a closing summary.",
	}
}

// buildMetrics derives the end-of-session metrics from the transcript: the
// first and last user messages stand in for the before/after emotional
// snapshots until a real instrument replaces them.
func buildMetrics(transcript []models.ConversationMessage, rating int) models.SessionMetrics {
	var first, last string
	for _, msg := range transcript {
		if msg.Role != models.RoleUser {
			continue
		}
		if first == "" {
			first = msg.Content
		}
		last = msg.Content
	}
	return models.SessionMetrics{
		EmotionBefore:       truncateRunes(first, snapshotMaxRunes),
		EmotionAfter:        truncateRunes(last, snapshotMaxRunes),
		EffectivenessRating: rating,
	}
}

// truncateRunes shortens s to at most max runes, appending an ellipsis when
// truncation occurred.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
