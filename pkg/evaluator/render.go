package evaluator

import (
	"strings"
	"unicode/utf8"
)

// RenderSteps lays a derivation out with its "=" signs aligned:
//
//	max(2, 3) + 3 = 3 + 3
//	              = 6
//
// The first step is the expression itself, so a derivation with fewer than
// two steps renders as the empty string.
func RenderSteps(steps []string) string {
	if len(steps) < 2 {
		return ""
	}
	head := steps[0]
	pad := strings.Repeat(" ", utf8.RuneCountInString(head))

	var sb strings.Builder
	sb.WriteString(head)
	for i, step := range steps[1:] {
		if i > 0 {
			sb.WriteByte('\n')
			sb.WriteString(pad)
		}
		sb.WriteString(" = ")
		sb.WriteString(step)
	}
	return sb.String()
}
