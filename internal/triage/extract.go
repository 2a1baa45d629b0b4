package triage

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joescharf/remerge/internal/models"
)

const (
	contextRadius = 4  // lines kept on each side of a keyword hit
	maxSections   = 12 // window extraction stops after this many sections
	maxLabelLen   = 80
)

// failureKeywords mark lines worth windowing. Matching is case-sensitive on
// purpose: lowercase "failed" in prose is far noisier than tool output.
var failureKeywords = []string{
	"FAIL",
	"FAILED",
	"ERROR",
	"error:",
	"panic:",
	"fatal:",
	"not ok",
	"assertion",
}

var (
	sectionRe  = regexp.MustCompile(`^-{2,}\s*(.+?)\s*-{2,}$`)
	pathHintRe = regexp.MustCompile(`[A-Za-z0-9_\-./]*[A-Za-z0-9_\-]+\.[a-z]{1,5}\b`)
	testHintRe = regexp.MustCompile(`\bTest[A-Za-z0-9_]+`)
)

// ExtractFailures mines keyword-proximity windows out of a verification log.
// Overlapping windows merge into one section; the section count is capped so a
// pathological log cannot blow up downstream prompts.
func ExtractFailures(log string) []models.CIFailure {
	lines := strings.Split(log, "\n")

	var hits []int
	for i, line := range lines {
		for _, kw := range failureKeywords {
			if strings.Contains(line, kw) {
				hits = append(hits, i)
				break
			}
		}
	}
	if len(hits) == 0 {
		return nil
	}

	type window struct{ start, end int }
	var windows []window
	for _, h := range hits {
		start := h - contextRadius
		if start < 0 {
			start = 0
		}
		end := h + contextRadius
		if end > len(lines)-1 {
			end = len(lines) - 1
		}
		if n := len(windows); n > 0 && start <= windows[n-1].end+1 {
			windows[n-1].end = end
			continue
		}
		windows = append(windows, window{start, end})
	}
	if len(windows) > maxSections {
		windows = windows[:maxSections]
	}

	failures := make([]models.CIFailure, 0, len(windows))
	for i, w := range windows {
		snippet := strings.Join(lines[w.start:w.end+1], "\n")
		failures = append(failures, models.CIFailure{
			Label:   labelFor(snippet, i),
			Snippet: snippet,
			Hints:   extractHints(snippet),
		})
	}
	return failures
}

// labelFor picks a short identifier for a section: a "---- name ----" style
// delimiter when present, otherwise the first keyword line.
func labelFor(snippet string, index int) string {
	for _, line := range strings.Split(snippet, "\n") {
		if m := sectionRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return truncateLabel(m[1])
		}
	}
	for _, line := range strings.Split(snippet, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, kw := range failureKeywords {
			if strings.Contains(trimmed, kw) {
				return truncateLabel(trimmed)
			}
		}
	}
	return fmt.Sprintf("failure-%d", index+1)
}

func truncateLabel(s string) string {
	if len(s) > maxLabelLen {
		return s[:maxLabelLen]
	}
	return s
}

// extractHints pulls path-like tokens, section names, and test identifiers out
// of a snippet. Hints drive the failure-to-session matching.
func extractHints(snippet string) []string {
	seen := make(map[string]bool)
	var hints []string
	add := func(h string) {
		h = strings.Trim(h, ".,:;\"'()")
		if h == "" || seen[h] {
			return
		}
		seen[h] = true
		hints = append(hints, h)
	}

	for _, line := range strings.Split(snippet, "\n") {
		if m := sectionRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			add(m[1])
		}
	}
	for _, m := range pathHintRe.FindAllString(snippet, -1) {
		add(m)
	}
	for _, m := range testHintRe.FindAllString(snippet, -1) {
		add(m)
	}
	return hints
}
