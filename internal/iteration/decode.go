package iteration

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/devwspito/storyforge/pkg/models"
)

// DecodeVerdict pulls a verdict object out of free-form agent text. The
// producer cannot be trusted to emit clean JSON, so decoding never fails:
// anything unparseable becomes needs_revision with no issues, flagged via
// Decoded so callers can tell the default from a real verdict.
func DecodeVerdict(text string) models.Verdict {
	fallback := models.Verdict{Verdict: models.VerdictNeedsRevision}
	raw := extractJSON(text, '{', '}')
	if raw == "" {
		return fallback
	}
	var v models.Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fallback
	}
	switch v.Verdict {
	case models.VerdictApproved, models.VerdictNeedsRevision, models.VerdictRejected:
	default:
		return fallback
	}
	v.Decoded = true
	return v
}

// DecodeStories pulls a story list out of analysis-phase text. Accepts a top
// level JSON array or an object with a "stories" field. The bool reports
// whether decoding succeeded; callers fall back to a single catch-all story.
func DecodeStories(taskID, text string) ([]models.Story, bool) {
	type storyDoc struct {
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		TargetFiles        []string `json:"target_files"`
		AcceptanceCriteria []string `json:"acceptance_criteria"`
	}
	var docs []storyDoc

	if raw := extractJSON(text, '[', ']'); raw != "" {
		if err := json.Unmarshal([]byte(raw), &docs); err != nil {
			docs = nil
		}
	}
	if docs == nil {
		raw := extractJSON(text, '{', '}')
		if raw == "" {
			return nil, false
		}
		var wrapper struct {
			Stories []storyDoc `json:"stories"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil || len(wrapper.Stories) == 0 {
			return nil, false
		}
		docs = wrapper.Stories
	}
	if len(docs) == 0 {
		return nil, false
	}

	stories := make([]models.Story, 0, len(docs))
	for i, doc := range docs {
		if doc.Title == "" {
			continue
		}
		stories = append(stories, models.Story{
			StoryID:            uuid.NewString(),
			TaskID:             taskID,
			Index:              i,
			Title:              doc.Title,
			Description:        doc.Description,
			TargetFiles:        doc.TargetFiles,
			AcceptanceCriteria: doc.AcceptanceCriteria,
		})
	}
	if len(stories) == 0 {
		return nil, false
	}
	// Reindex in case empty-titled entries were skipped.
	for i := range stories {
		stories[i].Index = i
	}
	return stories, true
}

// extractJSON returns the first balanced open..close span in text, after
// stripping markdown fences. Returns "" when no balanced span exists.
func extractJSON(text string, open, closing byte) string {
	text = stripFences(text)
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func stripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
