// Package validate checks a worker's final report against the structural
// report template and the expected grounding references.
//
// The required template is:
//
//	Result: <non-empty, inline or on the following line>
//	Follow-up: <anything, "None" allowed>
//	Context sources used: <comma/space separated integer ids>
//
// Validation is diagnostic, not exception-based: the caller decides whether a
// failed result becomes a terminal task failure.
package validate

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Status is the outcome of a validation pass.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Result reports the validation outcome for one summary.
type Result struct {
	Status Status
	// Reason identifies which rule failed; empty on success.
	Reason string
	// SourcesUsed is the deduplicated set of reference ids the worker cited.
	SourcesUsed []int
}

const (
	fieldResult  = "Result:"
	fieldFollow  = "Follow-up:"
	fieldSources = "Context sources used:"
)

func failed(reason string) Result {
	return Result{Status: StatusFailed, Reason: reason}
}

// Validate checks summary against the report template and, when
// expectedReferenceIDs is non-empty, requires the worker to have cited at
// least one source. It does not require all expected ids to be cited.
func Validate(summary string, expectedReferenceIDs []int) Result {
	if strings.TrimSpace(summary) == "" {
		return failed("summary is empty")
	}

	lines := strings.Split(summary, "\n")

	if !hasResultLine(lines) {
		return failed("missing or empty 'Result:' line")
	}
	if findField(lines, fieldFollow) < 0 {
		return failed("missing 'Follow-up:' line")
	}

	idx := findField(lines, fieldSources)
	if idx < 0 {
		return failed("missing 'Context sources used:' line")
	}

	payload := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[idx]), fieldSources))
	cited, ok := parseIDList(payload)
	if !ok {
		return failed(fmt.Sprintf("'Context sources used:' is not a list of integer ids: %q", payload))
	}

	if len(expectedReferenceIDs) > 0 && len(cited) == 0 {
		return failed(fmt.Sprintf(
			"no context sources cited; the report must cite at least one of the %d supplied references",
			len(expectedReferenceIDs),
		))
	}

	return Result{Status: StatusOK, SourcesUsed: cited}
}

// hasResultLine reports whether a non-empty Result: line exists, counting a
// well-formed continuation on the next line (one that is not itself a new
// template field) as the result body.
func hasResultLine(lines []string) bool {
	idx := findField(lines, fieldResult)
	if idx < 0 {
		return false
	}

	inline := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[idx]), fieldResult))
	if inline != "" {
		return true
	}

	if idx+1 >= len(lines) {
		return false
	}
	next := strings.TrimSpace(lines[idx+1])
	if next == "" || isTemplateField(next) {
		return false
	}
	return true
}

func findField(lines []string, field string) int {
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), field) {
			return i
		}
	}
	return -1
}

func isTemplateField(line string) bool {
	return strings.HasPrefix(line, fieldResult) ||
		strings.HasPrefix(line, fieldFollow) ||
		strings.HasPrefix(line, fieldSources)
}

// parseIDList parses a comma/whitespace separated id list. Surrounding
// brackets are tolerated; duplicates are removed preserving first-seen order.
// An empty payload is a valid empty list.
func parseIDList(payload string) ([]int, bool) {
	payload = strings.Trim(payload, "[]")
	tokens := strings.FieldsFunc(payload, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})

	if len(tokens) == 0 {
		return nil, true
	}

	seen := make(map[int]bool, len(tokens))
	ids := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		id, err := strconv.Atoi(tok)
		if err != nil {
			return nil, false
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, true
}
