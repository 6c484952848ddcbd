package router

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"deskline/internal/domain"
)

var ErrInvalidRule = errors.New("invalid routing rule")

// Fields is the view of an item a rule can read.
type Fields struct {
	Item    domain.WorkItem
	Related map[string]string
}

// Get resolves a rule field. Built-in names read the item, "context.k" and
// "related.k" read those maps, and any other name tries context then related.
// Missing fields read as "".
func (f Fields) Get(field string) string {
	switch field {
	case "title":
		return f.Item.Title
	case "description":
		return f.Item.Description
	case "priority":
		return strconv.Itoa(f.Item.Priority)
	case "status":
		return string(f.Item.Status)
	case "assignee_class":
		return string(f.Item.AssigneeClass)
	case "project_id":
		return deref(f.Item.ProjectID)
	case "desk_id":
		return deref(f.Item.DeskID)
	case "related_ref":
		return deref(f.Item.RelatedRef)
	}
	if key, ok := strings.CutPrefix(field, "context."); ok {
		return contextValue(f.Item.Context, key)
	}
	if key, ok := strings.CutPrefix(field, "related."); ok {
		return f.Related[key]
	}
	if v, ok := f.Item.Context[field]; ok && v != nil {
		return stringify(v)
	}
	return f.Related[field]
}

func contextValue(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// patterns caches compiled case-insensitive regexes by source.
type patterns struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func (p *patterns) compile(src string) (*regexp.Regexp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.cache[src]; ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + src)
	if err != nil {
		return nil, err
	}
	if p.cache == nil {
		p.cache = map[string]*regexp.Regexp{}
	}
	p.cache[src] = re
	return re, nil
}

// Evaluate reports whether one rule matches. All comparisons ignore case.
// A malformed rule returns an error wrapping ErrInvalidRule and no match.
func (p *patterns) Evaluate(rule domain.RoutingRule, f Fields) (bool, error) {
	v := f.Get(rule.Field)
	switch rule.Operator {
	case domain.OpEquals:
		return strings.EqualFold(v, rule.Value), nil
	case domain.OpIn:
		for _, candidate := range ruleValues(rule) {
			if strings.EqualFold(v, candidate) {
				return true, nil
			}
		}
		return false, nil
	case domain.OpContains:
		return strings.Contains(strings.ToLower(v), strings.ToLower(rule.Value)), nil
	case domain.OpRegex:
		re, err := p.compile(rule.Value)
		if err != nil {
			return false, fmt.Errorf("%w: field %s regex %q: %v", ErrInvalidRule, rule.Field, rule.Value, err)
		}
		return re.MatchString(v), nil
	default:
		return false, fmt.Errorf("%w: field %s unknown operator %q", ErrInvalidRule, rule.Field, rule.Operator)
	}
}

// ruleValues returns Values, or Value split on commas when Values is empty.
func ruleValues(rule domain.RoutingRule) []string {
	if len(rule.Values) > 0 {
		return rule.Values
	}
	var out []string
	for _, part := range strings.Split(rule.Value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidateRule checks a rule the way Evaluate would, without an item.
func ValidateRule(rule domain.RoutingRule) error {
	if strings.TrimSpace(rule.Field) == "" {
		return fmt.Errorf("%w: field is required", ErrInvalidRule)
	}
	switch rule.Operator {
	case domain.OpEquals, domain.OpContains:
	case domain.OpIn:
		if len(ruleValues(rule)) == 0 {
			return fmt.Errorf("%w: field %s: in needs values", ErrInvalidRule, rule.Field)
		}
	case domain.OpRegex:
		if _, err := regexp.Compile("(?i)" + rule.Value); err != nil {
			return fmt.Errorf("%w: field %s regex %q: %v", ErrInvalidRule, rule.Field, rule.Value, err)
		}
	default:
		return fmt.Errorf("%w: field %s unknown operator %q", ErrInvalidRule, rule.Field, rule.Operator)
	}
	return nil
}
