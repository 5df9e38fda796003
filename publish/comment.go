// Package publish posts synthesized documentation back to the pull request
// as a comment. Every comment embeds an intent marker so a retry after a
// lost acknowledgement can detect that the previous attempt landed.
package publish

import (
	"fmt"
	"strings"

	"github.com/SrivatsaRv/documo/synth"
)

const intentMarkerPrefix = "<!-- documo:intent:"

// costPerThousandTokens prices the usage footer. Indicative only.
const costPerThousandTokens = 0.03

// intentMarker formats the hidden marker embedded in a published comment.
func intentMarker(intent string) string {
	return intentMarkerPrefix + intent + " -->"
}

// containsIntent reports whether body carries the marker for intent.
func containsIntent(body, intent string) bool {
	return strings.Contains(body, intentMarker(intent))
}

// buildComment renders the full comment body: marker, summary, and a token
// usage footer.
func buildComment(doc *synth.Document, intent string) string {
	var b strings.Builder
	b.WriteString(intentMarker(intent))
	b.WriteString("\n## 📚 Documentation Summary\n\n")
	b.WriteString(doc.Summary)
	b.WriteString("\n\n---\n### Token Usage Statistics\n")
	fmt.Fprintf(&b, "- Total Tokens: %d\n", doc.Usage.TotalTokens)
	fmt.Fprintf(&b, "- Prompt Tokens: %d\n", doc.Usage.PromptTokens)
	fmt.Fprintf(&b, "- Completion Tokens: %d\n", doc.Usage.CompletionTokens)
	fmt.Fprintf(&b, "- Estimated Cost: $%.4f USD\n", float64(doc.Usage.TotalTokens)/1000*costPerThousandTokens)
	if doc.ScopeReduced {
		b.WriteString("\n_Summary was generated over a reduced scope._\n")
	}
	return b.String()
}
