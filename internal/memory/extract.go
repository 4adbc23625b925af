// Package memory extracts [MEMORY: ...] tags that models embed in
// their replies to note durable facts about the user. Tags are
// stripped from the visible reply and persisted separately.
package memory

import (
	"regexp"
	"strings"
)

var (
	memoryTagRe = regexp.MustCompile(`\[MEMORY:\s*([^\]]+)\]`)
	spaceRunRe  = regexp.MustCompile(`[ \t]{2,}`)
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
)

// Extract returns the reply with all memory tags removed, plus the
// extracted notes in order of appearance.
func Extract(text string) (cleaned string, notes []string) {
	if !strings.Contains(text, "[MEMORY:") {
		return text, nil
	}
	for _, m := range memoryTagRe.FindAllStringSubmatch(text, -1) {
		note := strings.TrimSpace(m[1])
		if note != "" {
			notes = append(notes, note)
		}
	}
	cleaned = memoryTagRe.ReplaceAllString(text, "")
	// Collapse whitespace the tags leave behind.
	cleaned = spaceRunRe.ReplaceAllString(cleaned, " ")
	cleaned = blankRunRe.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned), notes
}
