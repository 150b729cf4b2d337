package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

func errUnknownValue(field, value string) error {
	return gwerr.Configuration("unknown %s %q", field, value)
}

// condition is the compiled matching half of an override rule.
type condition struct {
	path  string
	op    Operator
	value string
	re    *regexp.Regexp
}

func compileCondition(path string, op Operator, value string) (condition, error) {
	c := condition{path: path, op: op, value: value}
	if path == "" {
		return c, nil
	}
	switch op {
	case OpEqual, OpNotEqual, OpContains, OpNotContains, OpStartsWith, OpEndsWith:
	case OpRegex:
		re, err := regexp.Compile(value)
		if err != nil {
			return c, gwerr.WrapConfiguration(err, "invalid regex %q", value)
		}
		c.re = re
	default:
		return c, errUnknownValue("operator", string(op))
	}
	return c, nil
}

func (c condition) catchAll() bool { return c.path == "" }

func (c condition) negated() bool { return c.op == OpNotEqual || c.op == OpNotContains }

// matches evaluates the condition against a JSON document. A path that
// selects an array matches when any element matches a positive operator,
// or when every element satisfies a negated one. A missing value never
// satisfies a positive operator and always satisfies a negated one.
func (c condition) matches(doc []byte) bool {
	if c.catchAll() {
		return true
	}
	if len(doc) == 0 {
		return c.negated()
	}
	res := gjson.GetBytes(doc, c.path)
	if !res.Exists() {
		return c.negated()
	}
	values := []gjson.Result{res}
	if res.IsArray() {
		values = res.Array()
		if len(values) == 0 {
			return c.negated()
		}
	}
	for _, v := range values {
		ok := c.compare(v.String())
		if c.negated() && !ok {
			return false
		}
		if !c.negated() && ok {
			return true
		}
	}
	return c.negated()
}

func (c condition) compare(s string) bool {
	switch c.op {
	case OpEqual:
		return s == c.value
	case OpNotEqual:
		return s != c.value
	case OpContains:
		return strings.Contains(s, c.value)
	case OpNotContains:
		return !strings.Contains(s, c.value)
	case OpStartsWith:
		return strings.HasPrefix(s, c.value)
	case OpEndsWith:
		return strings.HasSuffix(s, c.value)
	case OpRegex:
		return c.re != nil && c.re.MatchString(s)
	}
	return false
}

// specificity ranks a condition; higher is evaluated first.
func (c condition) specificity() int {
	if c.catchAll() {
		return 0
	}
	switch c.op {
	case OpEqual:
		return 4
	case OpStartsWith, OpEndsWith:
		return 3
	case OpContains, OpRegex:
		return 2
	default:
		return 1
	}
}

func (c condition) depth() int {
	if c.catchAll() {
		return 0
	}
	return strings.Count(c.path, ".") + 1
}

type ruleKey struct {
	cond    condition
	created int64
	id      string
}

// moreSpecific orders rules most-specific-first: operator rank, then path
// depth, then oldest first, then id.
func moreSpecific(a, b ruleKey) bool {
	if sa, sb := a.cond.specificity(), b.cond.specificity(); sa != sb {
		return sa > sb
	}
	if da, db := a.cond.depth(), b.cond.depth(); da != db {
		return da > db
	}
	if a.created != b.created {
		return a.created < b.created
	}
	return a.id < b.id
}

func compileInvocation(rules []InvocationPolicy) ([]InvocationPolicy, error) {
	out := make([]InvocationPolicy, 0, len(rules))
	for _, r := range rules {
		switch r.Action {
		case ActionAllowWhenUntrusted, ActionBlockAlways:
		default:
			return nil, errUnknownValue("invocation action", string(r.Action))
		}
		cond, err := compileCondition(r.ArgumentName, r.Operator, r.Value)
		if err != nil {
			return nil, fmt.Errorf("invocation policy %s: %w", r.ID, err)
		}
		r.cond = cond
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return moreSpecific(
			ruleKey{out[i].cond, out[i].CreatedAt.UnixNano(), out[i].ID},
			ruleKey{out[j].cond, out[j].CreatedAt.UnixNano(), out[j].ID},
		)
	})
	return out, nil
}

func compileResult(rules []ResultPolicy) ([]ResultPolicy, error) {
	out := make([]ResultPolicy, 0, len(rules))
	for _, r := range rules {
		switch r.Action {
		case ResultMarkTrusted, ResultMarkUntrusted, ResultSanitize, ResultBlockAlways:
		default:
			return nil, errUnknownValue("result action", string(r.Action))
		}
		cond, err := compileCondition(r.AttributePath, r.Operator, r.Value)
		if err != nil {
			return nil, fmt.Errorf("result policy %s: %w", r.ID, err)
		}
		r.cond = cond
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return moreSpecific(
			ruleKey{out[i].cond, out[i].CreatedAt.UnixNano(), out[i].ID},
			ruleKey{out[j].cond, out[j].CreatedAt.UnixNano(), out[j].ID},
		)
	})
	return out, nil
}

func (a ResultAction) treatment() Treatment {
	switch a {
	case ResultMarkTrusted:
		return TreatmentTrusted
	case ResultSanitize:
		return TreatmentSanitizeDual
	default:
		return TreatmentUntrusted
	}
}
