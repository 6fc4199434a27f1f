// Package verdict turns the judge client's console output into a structured result.
// Everything here is pure: no I/O, no clocks.
package verdict

import (
	"regexp"
	"strconv"
	"strings"
)

// StatusSubmitted is reported when the output carries no recognisable verdict.
const StatusSubmitted = "submitted"

var (
	ansiEscape    = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	verdictWord   = regexp.MustCompile(`(?i)Accepted|Wrong Answer|Time Limit|Runtime|Compilation|Judge Error|Submission|Error`)
	trailingParen = regexp.MustCompile(`^(.*?)(?:\s*\(([^)]*)\))?$`)
	timeFragment  = regexp.MustCompile(`[\d.,]+\s*[sS]`)
	numberRun     = regexp.MustCompile(`[\d.,]+`)
	leadingFloat  = regexp.MustCompile(`^(?:\d+(?:\.\d+)?|\.\d+)`)

	submissionIDPattern  = regexp.MustCompile(`(?i)Submission ID:\s*(\d+)`)
	submissionURLPattern = regexp.MustCompile(`(?i)Submission URL:\s*(https?://\S+)`)

	specialSpaces = strings.NewReplacer("\u00a0", " ", "\u202f", " ")
)

// Result is the parsed verdict. ExecutionTime is nil when the verdict line has no timing.
type Result struct {
	Status        string
	ExecutionTime *float64
}

// Parse extracts the final verdict line from raw judge output.
//
// Lines are cleaned of ANSI colour codes and non-breaking spaces, progress redraws
// separated by carriage returns are split apart, and the last line mentioning a
// verdict keyword wins (falling back to the last non-blank line). A trailing
// parenthesised group such as "(0.05 s)" or "(test 3, 1,23 s)" supplies the time.
func Parse(raw string) Result {
	lines := cleanLines(raw)
	if len(lines) == 0 {
		return Result{Status: StatusSubmitted}
	}

	final := lines[len(lines)-1]
	for i := len(lines) - 1; i >= 0; i-- {
		if verdictWord.MatchString(lines[i]) {
			final = lines[i]
			break
		}
	}

	m := trailingParen.FindStringSubmatchIndex(final)
	if m == nil {
		return Result{Status: final}
	}
	status := strings.TrimSpace(final[m[2]:m[3]])
	if status == "" {
		status = StatusSubmitted
	}
	res := Result{Status: status}
	if m[4] >= 0 {
		res.ExecutionTime = parseTime(final[m[4]:m[5]])
	}
	return res
}

func cleanLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = specialSpaces.Replace(ansiEscape.ReplaceAllString(line, ""))
		for _, part := range strings.Split(line, "\r") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseTime takes the first comma-separated fragment that looks like "<number> s".
// A comma between two digits is a decimal separator, not a fragment boundary,
// so "1,23 s" is 1.23.
func parseTime(details string) *float64 {
	for _, fragment := range splitFragments(details) {
		fragment = strings.TrimSpace(fragment)
		if !timeFragment.MatchString(fragment) {
			continue
		}
		numeric := numberRun.FindString(fragment)
		if numeric == "" {
			return nil
		}
		v := toFloat(strings.ReplaceAll(numeric, ",", "."))
		return &v
	}
	return nil
}

func splitFragments(details string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(details); i++ {
		if details[i] != ',' {
			continue
		}
		if i > 0 && i+1 < len(details) && isDigit(details[i-1]) && isDigit(details[i+1]) {
			continue
		}
		parts = append(parts, details[start:i])
		start = i + 1
	}
	return append(parts, details[start:])
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// toFloat reads the longest leading decimal number and ignores the rest, so
// "1.2.3" is 1.2 and "." is 0.
func toFloat(s string) float64 {
	prefix := leadingFloat.FindString(s)
	if prefix == "" {
		return 0
	}
	v, err := strconv.ParseFloat(prefix, 64)
	if err != nil {
		return 0
	}
	return v
}

// ExtractSubmissionRef finds the judge-assigned submission id and URL in stdout.
// ok is false unless both are present.
func ExtractSubmissionRef(stdout string) (id int64, url string, ok bool) {
	idMatch := submissionIDPattern.FindStringSubmatch(stdout)
	urlMatch := submissionURLPattern.FindStringSubmatch(stdout)
	if idMatch == nil || urlMatch == nil {
		return 0, "", false
	}
	id, err := strconv.ParseInt(idMatch[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, urlMatch[1], true
}
