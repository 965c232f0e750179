// Package document assembles a session's worked chapters into one markdown
// document and renders it to HTML for export.
package document

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"sequence_doc_generator/sequence"
)

// Assemble concatenates worked chapters, in index order as stored, under a
// top-level title. Pending or paused chapters appear as placeholders so the
// export shows where the document still has holes.
func Assemble(title string, tasks []sequence.TaskRecord) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "## %d. %s\n\n", t.Index+1, t.Title)
		switch t.Status {
		case sequence.StatusWorked:
			b.WriteString(strings.TrimSpace(t.Content))
		case sequence.StatusPaused:
			b.WriteString("（本章因资料不足暂停，待补充）")
		default:
			b.WriteString("（本章尚未生成）")
		}
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// RenderHTML converts assembled markdown to HTML.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WordCount sums the word counts of worked chapters' briefs.
func WordCount(tasks []sequence.TaskRecord) int {
	total := 0
	for _, t := range tasks {
		if t.Status == sequence.StatusWorked && t.Brief != nil {
			total += t.Brief.WordCount
		}
	}
	return total
}
