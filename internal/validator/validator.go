// Package validator is the heuristic linter that gates generated
// scanner code before it ever runs. It cannot prove a scanner honest,
// but it rejects the structural patterns that make look-ahead bias
// possible, plus code that an LLM truncated mid-statement.
package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// Violation rule identifiers.
const (
	RuleLookahead  = "LOOKAHEAD"
	RuleTruncation = "TRUNCATION"
)

// Violation is one rejected pattern found in scanner source.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Result is the validator verdict for one piece of scanner source.
type Result struct {
	IsValid    bool        `json:"isValid"`
	Violations []Violation `json:"violations"`
}

// Check lints scanner source and returns every violation found. The
// checks are structural, not semantic: they run on comment- and
// string-stripped source so literals cannot trigger false positives.
func Check(code string) Result {
	src := sanitize(code)

	var violations []Violation
	violations = append(violations, checkTruncation(src)...)
	violations = append(violations, checkExtremumBeforeLoop(src)...)
	violations = append(violations, checkFutureSlice(src)...)
	violations = append(violations, checkWholeDayAggregate(src)...)
	violations = append(violations, checkPeakIndexOffset(src)...)

	return Result{IsValid: len(violations) == 0, Violations: violations}
}

// ════════════════════════════════════════════════════════════════════
// Look-Ahead Checks
// ════════════════════════════════════════════════════════════════════

var (
	reLoop        = regexp.MustCompile(`\bfor\b|\bwhile\b|\.forEach\s*\(`)
	reMaxSpread   = regexp.MustCompile(`Math\.(max|min)\s*\(\s*\.\.\.`)
	reSortCall    = regexp.MustCompile(`\.sort\s*\(`)
	reReduceCall  = regexp.MustCompile(`\.reduce\s*\(`)
	reFutureSlice = regexp.MustCompile(`\.slice\s*\(\s*[A-Za-z_]\w*\s*\+`)
	reTailSlice   = regexp.MustCompile(`\.slice\s*\(\s*[A-Za-z_]\w*\s*,\s*[^)]*\blength\b`)
	reFutureIndex = regexp.MustCompile(`\[\s*[A-Za-z_]\w*\s*\+\s*\d+\s*\]`)
	reBarsArray   = regexp.MustCompile(`\b(bars|allBars|dayBars|candles|data)\b`)
	rePeakOffset  = regexp.MustCompile(`(?i)\b\w*(peak|max|min|top|extreme)\w*(idx|index)\w*\s*[+\-]\s*\d+`)
	reIndexOfAdd  = regexp.MustCompile(`\bindexOf\s*\([^)]*\)\s*\+\s*\d+`)
)

// checkExtremumBeforeLoop flags code that locates the day's high or low
// across the whole bar array before the bar-by-bar scanning loop runs.
func checkExtremumBeforeLoop(src string) []Violation {
	loopIdx := len(src)
	if m := reLoop.FindStringIndex(src); m != nil {
		loopIdx = m[0]
	}

	var out []Violation
	flag := func(pos int, what string) {
		if pos < loopIdx {
			out = append(out, Violation{
				Rule:    RuleLookahead,
				Message: fmt.Sprintf("%s before the scanning loop locates a whole-day extremum", what),
			})
		}
	}

	if m := reMaxSpread.FindStringIndex(src); m != nil {
		flag(m[0], "Math.max/min over the full bar array")
	}
	for _, m := range reSortCall.FindAllStringIndex(src, -1) {
		if windowHasPrice(src, m[1]) {
			flag(m[0], "sorting bars by price")
		}
	}
	for _, m := range reReduceCall.FindAllStringIndex(src, -1) {
		if windowHasPrice(src, m[1]) {
			flag(m[0], "reducing bars to an extremum")
		}
	}
	return out
}

// checkFutureSlice flags slices and indexing that reach past the
// current loop index.
func checkFutureSlice(src string) []Violation {
	var out []Violation
	if reFutureSlice.MatchString(src) || reTailSlice.MatchString(src) {
		out = append(out, Violation{
			Rule:    RuleLookahead,
			Message: "slice extends past the current bar index",
		})
	}

	// Indexing i+N is only meaningful inside a loop body.
	if m := reLoop.FindStringIndex(src); m != nil {
		if reFutureIndex.MatchString(src[m[0]:]) {
			out = append(out, Violation{
				Rule:    RuleLookahead,
				Message: "bar access at index+offset reads future bars",
			})
		}
	}
	return out
}

// checkWholeDayAggregate flags aggregates over a full-day bar array
// computed before the first signal is emitted.
func checkWholeDayAggregate(src string) []Violation {
	emitIdx := len(src)
	if m := regexp.MustCompile(`\breturn\b`).FindStringIndex(src); m != nil {
		emitIdx = m[0]
	}

	for _, m := range reSortCall.FindAllStringIndex(src, -1) {
		if m[0] >= emitIdx || !windowHasPrice(src, m[1]) {
			continue
		}
		// Only aggregates over a recognizable day-wide array count;
		// a sort over a locally built prefix window is fine.
		start := m[0] - 24
		if start < 0 {
			start = 0
		}
		if reBarsArray.MatchString(src[start:m[0]]) {
			return []Violation{{
				Rule:    RuleLookahead,
				Message: "aggregates the whole day's bars before emitting a signal",
			}}
		}
	}
	return nil
}

// checkPeakIndexOffset flags "peak index + N" arithmetic, which assumes
// knowledge of where the day's extremum sits relative to future bars.
func checkPeakIndexOffset(src string) []Violation {
	if rePeakOffset.MatchString(src) || reIndexOfAdd.MatchString(src) {
		return []Violation{{
			Rule:    RuleLookahead,
			Message: "offset from an extremum index assumes future knowledge",
		}}
	}
	return nil
}

// windowHasPrice reports whether a short window after pos mentions a
// price field, distinguishing price sorts/reductions from time sorts.
func windowHasPrice(src string, pos int) bool {
	end := pos + 96
	if end > len(src) {
		end = len(src)
	}
	w := src[pos:end]
	return strings.Contains(w, ".high") || strings.Contains(w, ".low") ||
		strings.Contains(w, ".close") || strings.Contains(w, ".open")
}

// ════════════════════════════════════════════════════════════════════
// Truncation Checks
// ════════════════════════════════════════════════════════════════════

// checkTruncation detects code an LLM cut off mid-generation:
// unbalanced delimiters, or source that does not end in a statement
// terminator.
func checkTruncation(src string) []Violation {
	var out []Violation

	if !delimitersBalanced(src) {
		out = append(out, Violation{
			Rule:    RuleTruncation,
			Message: "unbalanced braces or parentheses, code appears truncated",
		})
	}

	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		out = append(out, Violation{Rule: RuleTruncation, Message: "empty scanner source"})
		return out
	}
	switch trimmed[len(trimmed)-1] {
	case ';', '}', ')':
	default:
		out = append(out, Violation{
			Rule:    RuleTruncation,
			Message: "source does not end in a statement terminator",
		})
	}
	return out
}

func delimitersBalanced(src string) bool {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for i := 0; i < len(src); i++ {
		switch c := src[i]; c {
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

// ════════════════════════════════════════════════════════════════════
// Source Sanitizer
// ════════════════════════════════════════════════════════════════════

// sanitize blanks out comments and string literals, preserving length
// so violation positions map back to the original source.
func sanitize(code string) string {
	out := []byte(code)
	n := len(out)
	i := 0
	blank := func(from, to int) {
		for j := from; j < to && j < n; j++ {
			if out[j] != '\n' {
				out[j] = ' '
			}
		}
	}
	for i < n {
		c := out[i]
		switch {
		case c == '/' && i+1 < n && out[i+1] == '/':
			j := i
			for j < n && out[j] != '\n' {
				j++
			}
			blank(i, j)
			i = j
		case c == '/' && i+1 < n && out[i+1] == '*':
			j := i + 2
			for j+1 < n && !(out[j] == '*' && out[j+1] == '/') {
				j++
			}
			if j+1 < n {
				j += 2
			} else {
				j = n
			}
			blank(i, j)
			i = j
		case c == '\'' || c == '"' || c == '`':
			quote := c
			j := i + 1
			for j < n {
				if out[j] == '\\' {
					j += 2
					continue
				}
				if out[j] == quote {
					j++
					break
				}
				j++
			}
			blank(i+1, j-1)
			i = j
		default:
			i++
		}
	}
	return string(out)
}
