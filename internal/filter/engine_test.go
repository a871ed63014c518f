package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"nri_digest/internal/model"
)

func TestAllow(t *testing.T) {
	tests := []struct {
		name  string
		item  Item
		rules []model.Rule
		want  bool
	}{
		{
			name:  "no rules passes everything",
			item:  Item{Title: "anything", Content: "whatever"},
			rules: nil,
			want:  true,
		},
		{
			name: "include word matches",
			item: Item{Title: "New NRO account rules", Content: "RBI circular"},
			rules: []model.Rule{
				{Kind: model.RuleInclude, Scope: model.ScopeAll, Value: "nro"},
			},
			want: true,
		},
		{
			name: "include word no match",
			item: Item{Title: "Cricket scores", Content: "Match report"},
			rules: []model.Rule{
				{Kind: model.RuleInclude, Scope: model.ScopeAll, Value: "nri"},
			},
			want: false,
		},
		{
			name: "include is case insensitive",
			item: Item{Title: "FEMA amendment notified"},
			rules: []model.Rule{
				{Kind: model.RuleInclude, Scope: model.ScopeAll, Value: "fema"},
			},
			want: true,
		},
		{
			name: "exclude word blocks match",
			item: Item{Title: "Sponsored: best NRI credit cards", Content: "Apply now"},
			rules: []model.Rule{
				{Kind: model.RuleExclude, Scope: model.ScopeAll, Value: "sponsored"},
			},
			want: false,
		},
		{
			name: "include + exclude: both match, exclude wins",
			item: Item{Title: "NRI webinar on DTAA", Content: "Register today"},
			rules: []model.Rule{
				{Kind: model.RuleInclude, Scope: model.ScopeAll, Value: "dtaa"},
				{Kind: model.RuleExclude, Scope: model.ScopeAll, Value: "webinar"},
			},
			want: false,
		},
		{
			name: "multiple includes OR logic: second matches",
			item: Item{Title: "SEBI tightens PMS norms"},
			rules: []model.Rule{
				{Kind: model.RuleInclude, Scope: model.ScopeAll, Value: "fatca"},
				{Kind: model.RuleInclude, Scope: model.ScopeAll, Value: "sebi"},
			},
			want: true,
		},
		{
			name: "regex include matches",
			item: Item{Title: "Union Budget 2026: TDS on NRI property sales"},
			rules: []model.Rule{
				{Kind: model.RuleIncludeRe, Scope: model.ScopeAll, Value: `tds|capital gains`},
			},
			want: true,
		},
		{
			name: "regex exclude blocks",
			item: Item{Title: "Free course on mutual fund training"},
			rules: []model.Rule{
				{Kind: model.RuleExcludeRe, Scope: model.ScopeAll, Value: "course.*training"},
			},
			want: false,
		},
		{
			name: "scope title: word only in content does not match",
			item: Item{Title: "Weekly roundup", Content: "NRE deposits rates"},
			rules: []model.Rule{
				{Kind: model.RuleInclude, Scope: model.ScopeTitle, Value: "nre"},
			},
			want: false,
		},
		{
			name: "scope content: word in content matches",
			item: Item{Title: "Weekly roundup", Content: "NRE deposits rates"},
			rules: []model.Rule{
				{Kind: model.RuleInclude, Scope: model.ScopeContent, Value: "nre"},
			},
			want: true,
		},
		{
			name: "mixed scopes: title include + content exclude",
			item: Item{Title: "NRI tax filing deadline", Content: "Sponsored promo content"},
			rules: []model.Rule{
				{Kind: model.RuleInclude, Scope: model.ScopeTitle, Value: "nri"},
				{Kind: model.RuleExclude, Scope: model.ScopeContent, Value: "promo"},
			},
			want: false,
		},
		{
			name: "exclude scope content: word in title is not excluded",
			item: Item{Title: "Promo rates on NRE FDs", Content: "Bank announcement"},
			rules: []model.Rule{
				{Kind: model.RuleExclude, Scope: model.ScopeContent, Value: "promo"},
			},
			want: true,
		},
		{
			name: "unicode include",
			item: Item{Title: "प्रवासी भारतीय दिवस", Content: ""},
			rules: []model.Rule{
				{Kind: model.RuleInclude, Scope: model.ScopeAll, Value: "प्रवासी"},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := Compile(tt.rules)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got := rs.Allow(tt.item)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Allow() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		rules   []model.Rule
		wantErr bool
	}{
		{name: "valid word", rules: []model.Rule{{Kind: model.RuleInclude, Scope: model.ScopeAll, Value: "nri"}}},
		{name: "valid alternation", rules: []model.Rule{{Kind: model.RuleIncludeRe, Scope: model.ScopeTitle, Value: "nre|nro|fcnr"}}},
		{name: "empty scope defaults to all", rules: []model.Rule{{Kind: model.RuleExclude, Value: "ad"}}},
		{name: "invalid unclosed bracket", rules: []model.Rule{{Kind: model.RuleExcludeRe, Value: "[invalid"}}, wantErr: true},
		{name: "invalid bad repetition", rules: []model.Rule{{Kind: model.RuleIncludeRe, Value: "*bad"}}, wantErr: true},
		{name: "unknown kind", rules: []model.Rule{{Kind: "maybe", Value: "x"}}, wantErr: true},
		{name: "unknown scope", rules: []model.Rule{{Kind: model.RuleInclude, Scope: "body", Value: "x"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.rules)
			gotErr := err != nil
			if diff := cmp.Diff(tt.wantErr, gotErr); diff != "" {
				t.Errorf("Compile() error mismatch (-want +got):\n%s\nerr: %v", diff, err)
			}
		})
	}
}

func TestNilRulesetAllows(t *testing.T) {
	var rs *Ruleset
	if !rs.Allow(Item{Title: "x"}) {
		t.Error("nil ruleset should allow every item")
	}
}
