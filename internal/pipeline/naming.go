package pipeline

import "strings"

// maxNameWords bounds derived scanner names to keep listings readable.
const maxNameWords = 6

// DeriveScannerName builds a scanner display name from the generation
// prompt: the first clause, title-cased, suffixed with "Scanner".
// Returns "" when the prompt yields nothing usable; the store then
// falls back to "Scanner v{N}".
func DeriveScannerName(prompt string) string {
	clause := strings.TrimSpace(prompt)
	if i := strings.IndexAny(clause, ".,;\n"); i >= 0 {
		clause = clause[:i]
	}
	words := strings.Fields(clause)
	if len(words) == 0 {
		return ""
	}
	if len(words) > maxNameWords {
		words = words[:maxNameWords]
	}
	for i, w := range words {
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ") + " Scanner"
}

func titleWord(w string) string {
	if w == "" {
		return w
	}
	lower := strings.ToLower(w)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
