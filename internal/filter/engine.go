// Package filter implements the keyword pre-screen applied to collected items.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"nri_digest/internal/model"
)

// Item is the text of a feed entry checked against source rules.
type Item struct {
	Title   string
	Content string
}

type compiledRule struct {
	rule model.Rule
	re   *regexp.Regexp
}

// Ruleset is a compiled list of source rules.
// Include rules use OR logic (at least one must match).
// Exclude rules use AND logic (none must match).
type Ruleset struct {
	rules       []compiledRule
	hasIncludes bool
}

// Compile validates rules and precompiles their regular expressions.
func Compile(rules []model.Rule) (*Ruleset, error) {
	rs := &Ruleset{}
	for _, r := range rules {
		cr := compiledRule{rule: r}
		switch r.Kind {
		case model.RuleInclude, model.RuleExclude:
			cr.rule.Value = strings.ToLower(r.Value)
		case model.RuleIncludeRe, model.RuleExcludeRe:
			re, err := regexp.Compile("(?i)" + r.Value)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid regex: %w", r.Value, err)
			}
			cr.re = re
		default:
			return nil, fmt.Errorf("rule %q: unknown kind %q", r.Value, r.Kind)
		}
		switch r.Scope {
		case model.ScopeTitle, model.ScopeContent, model.ScopeAll, "":
		default:
			return nil, fmt.Errorf("rule %q: unknown scope %q", r.Value, r.Scope)
		}
		if r.Kind == model.RuleInclude || r.Kind == model.RuleIncludeRe {
			rs.hasIncludes = true
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// Allow reports whether item passes the ruleset. An empty ruleset allows everything.
func (rs *Ruleset) Allow(item Item) bool {
	if rs == nil || len(rs.rules) == 0 {
		return true
	}

	anyIncludeMatched := false
	for _, cr := range rs.rules {
		switch cr.rule.Kind {
		case model.RuleInclude, model.RuleIncludeRe:
			if !anyIncludeMatched && cr.matches(item) {
				anyIncludeMatched = true
			}
		case model.RuleExclude, model.RuleExcludeRe:
			if cr.matches(item) {
				return false
			}
		}
	}
	return !rs.hasIncludes || anyIncludeMatched
}

func (cr compiledRule) matches(item Item) bool {
	text := textForScope(item, cr.rule.Scope)
	if cr.re != nil {
		return cr.re.MatchString(text)
	}
	return strings.Contains(text, cr.rule.Value)
}

func textForScope(item Item, scope model.RuleScope) string {
	switch scope {
	case model.ScopeTitle:
		return strings.ToLower(item.Title)
	case model.ScopeContent:
		return strings.ToLower(item.Content)
	default:
		return strings.ToLower(item.Title + " " + item.Content)
	}
}
