package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a step status.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a Model level by level with box-drawing characters.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if node := model.Node(id); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)

		if i < len(model.Levels)-1 {
			label := ""
			if next := model.Levels[i+1]; len(next) == 1 {
				label = edgeLabel(model, next[0])
			}
			renderConnector(&b, len(boxes), label)
		}
	}

	renderErrors(&b, model)
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := []string{firstLine(node.Label)}
	if node.Kind != NodeKindStart && node.Kind != NodeKindEnd {
		content = strings.Split(node.Label, "\n")
	}
	if node.Kind == NodeKindParallel {
		content[0] += " ||"
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if node.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
		if node.Status.RetryCount > 0 {
			content = append(content, fmt.Sprintf("retries: %d", node.Status.RetryCount))
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		pad := strings.Repeat(" ", maxLen-utf8.RuneCountInString(line))
		lines = append(lines, "│ "+line+pad+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderConnector(b *strings.Builder, boxCount int, label string) {
	if boxCount == 0 {
		return
	}
	b.WriteString("       │")
	if label != "" {
		b.WriteString(" " + label)
	}
	b.WriteString("\n       ▼\n")
}

// edgeLabel returns the label of the first labelled edge into id.
func edgeLabel(model *Model, id string) string {
	for _, e := range model.Edges {
		if e.To == id && e.Label != "" {
			return e.Label
		}
	}
	return ""
}

// renderErrors lists failed steps with their messages below the graph.
func renderErrors(b *strings.Builder, model *Model) {
	header := false
	for _, node := range model.Nodes {
		if node.Status == nil || node.Status.Error == "" {
			continue
		}
		if !header {
			b.WriteString("\n--- errors ---\n")
			header = true
		}
		fmt.Fprintf(b, "  %s: %s\n", node.ID, node.Status.Error)
	}
}
