package diagram

import (
	"fmt"
	"strings"
)

var mermaidClasses = []string{
	"classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff",
	"classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff",
	"classDef running fill:#1a5276,stroke:#0e3a52,color:#fff",
	"classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff",
	"classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5",
}

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Label != "" {
			arrow = fmt.Sprintf("-.->|%s|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidSafeID(edge.From), arrow, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	for _, def := range mermaidClasses {
		fmt.Fprintf(&b, "    %s\n", def)
	}
	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a node definition with the shape for its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(strings.ReplaceAll(node.Label, "\n", "<br/>"))

	switch node.Kind {
	case NodeKindParallel:
		return fmt.Sprintf("%s[[\"%s\"]]", id, label)
	case NodeKindFallback:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_", "/", "_")

// mermaidSafeID converts a node id to a Mermaid identifier.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "pending", "skipped":
		return status
	default:
		return ""
	}
}
