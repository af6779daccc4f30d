package flow

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrCondition indicates a condition expression could not be parsed.
var ErrCondition = errors.New("invalid condition expression")

type conditionKind int

const (
	condContains conditionKind = iota
	condMatches
	condEquals
	condLengthGT
	condLengthLT
)

// Condition is a parsed condition expression, evaluated against the most
// recent response text.
type Condition struct {
	kind    conditionKind
	operand string
	re      *regexp.Regexp
	length  int
}

// ParseCondition parses one of the supported condition forms:
// contains:<text>, matches:<regex>, equals:<text>, length><n>, length<<n>.
func ParseCondition(expr string) (*Condition, error) {
	expr = strings.TrimSpace(expr)

	switch {
	case strings.HasPrefix(expr, "contains:"):
		return &Condition{kind: condContains, operand: expr[len("contains:"):]}, nil

	case strings.HasPrefix(expr, "matches:"):
		pattern := expr[len("matches:"):]
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad regex %q: %v", ErrCondition, pattern, err)
		}
		return &Condition{kind: condMatches, re: re}, nil

	case strings.HasPrefix(expr, "equals:"):
		return &Condition{kind: condEquals, operand: expr[len("equals:"):]}, nil

	case strings.HasPrefix(expr, "length>"):
		n, err := strconv.Atoi(strings.TrimSpace(expr[len("length>"):]))
		if err != nil {
			return nil, fmt.Errorf("%w: length> needs an integer: %v", ErrCondition, err)
		}
		return &Condition{kind: condLengthGT, length: n}, nil

	case strings.HasPrefix(expr, "length<"):
		n, err := strconv.Atoi(strings.TrimSpace(expr[len("length<"):]))
		if err != nil {
			return nil, fmt.Errorf("%w: length< needs an integer: %v", ErrCondition, err)
		}
		return &Condition{kind: condLengthLT, length: n}, nil
	}

	return nil, fmt.Errorf("%w: unrecognized operator in %q", ErrCondition, expr)
}

// Evaluate applies the condition to the given response text. Text
// comparisons are case-insensitive; regex patterns run as written.
func (c *Condition) Evaluate(response string) bool {
	switch c.kind {
	case condContains:
		return strings.Contains(strings.ToLower(response), strings.ToLower(c.operand))
	case condMatches:
		return c.re.MatchString(response)
	case condEquals:
		return strings.EqualFold(strings.TrimSpace(response), strings.TrimSpace(c.operand))
	case condLengthGT:
		return len(response) > c.length
	case condLengthLT:
		return len(response) < c.length
	}
	return false
}
