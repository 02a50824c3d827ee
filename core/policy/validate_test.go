package policy

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestCheckRegexSafety(t *testing.T) {
	unsafe := []string{"(a+)+$", "(a*)*", "(?:a+)+b", "(.*a){20}", "^(\\w+\\s?)*$", "(ab+)+", "(a|b+)*"}
	for _, p := range unsafe {
		err := CheckRegexSafety(p)
		if err == nil || !errors.Is(err, ErrUnsafeRegex) {
			t.Fatalf("expected %q to be rejected as unsafe, got %v", p, err)
		}
	}
	safe := []string{"^file\\.(read|list)$", "a+b+", "[a-z]{1,10}", "^/tmp/.*", "(ab){3}", "a{2,}"}
	for _, p := range safe {
		if err := CheckRegexSafety(p); err != nil {
			t.Fatalf("expected %q to be accepted, got %v", p, err)
		}
	}
}

func TestCheckRegexSafetyOverlappingAlternation(t *testing.T) {
	overlapping := []string{"(a|aa)+$", "(foo|foobar)*", "(?:a|a?b)+", "(x|.y){2,}", "(?i:(k|K8))+"}
	for _, p := range overlapping {
		if err := CheckRegexSafety(p); !errors.Is(err, ErrUnsafeRegex) {
			t.Fatalf("expected %q to be rejected, got %v", p, err)
		}
	}
	disjoint := []string{"(foo|bar)+", "(cat|dog)*", "^(a|aa)$", "(\\d|x)+", "(read|write){1,3}"}
	for _, p := range disjoint {
		if err := CheckRegexSafety(p); err != nil {
			t.Fatalf("expected %q to be accepted, got %v", p, err)
		}
	}
}

func TestCheckRegexSafetyRejectsInvalidAndLong(t *testing.T) {
	if err := CheckRegexSafety("(["); err == nil || errors.Is(err, ErrUnsafeRegex) {
		t.Fatalf("expected compile error distinct from unsafe, got %v", err)
	}
	if err := CheckRegexSafety(strings.Repeat("a", maxRegexLength+1)); !errors.Is(err, ErrUnsafeRegex) {
		t.Fatalf("expected overlong pattern rejected, got %v", err)
	}
}

func TestValidatePolicyUnsafeRegex(t *testing.T) {
	p := &Policy{Name: "bad", Enabled: true, Rules: []Rule{{
		Match:    map[string]Spec{"path": Regex("(a+)+$")},
		Decision: AutoDeny,
	}}}
	err := ValidatePolicy(p)
	if err == nil {
		t.Fatalf("expected unsafe regex rejection")
	}
	if !IsValidationError(err) || !errors.Is(err, ErrUnsafeRegex) {
		t.Fatalf("expected validation error wrapping ErrUnsafeRegex, got %T %v", err, err)
	}
	if !strings.Contains(err.Error(), "rules[0]") || !strings.Contains(err.Error(), "unsafe regex") {
		t.Fatalf("expected error to name offending rule, got %q", err.Error())
	}
}

func TestValidatePolicyStructure(t *testing.T) {
	cases := map[string]*Policy{
		"missing name":  {Rules: []Rule{{Decision: AutoApprove}}},
		"no rules":      {Name: "x"},
		"bad decision":  {Name: "x", Rules: []Rule{{Decision: "allow"}}},
		"empty path":    {Name: "x", Rules: []Rule{{Decision: AutoApprove, Match: map[string]Spec{"": Eq("a")}}}},
		"empty segment": {Name: "x", Rules: []Rule{{Decision: AutoApprove, Match: map[string]Spec{"a..b": Eq("a")}}}},
		"invalid spec":  {Name: "x", Rules: []Rule{{Decision: AutoApprove, Match: map[string]Spec{"a": SpecFromValue(map[string]any{"$foo": 1})}}}},
		"empty approver": {Name: "x", Rules: []Rule{{Decision: RouteToHuman, Approvers: []string{" "}}}},
	}
	for name, p := range cases {
		if err := ValidatePolicy(p); !IsValidationError(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	ok := &Policy{Name: "ok", Rules: []Rule{{Decision: AutoApprove, Match: map[string]Spec{"amount": Lte(5), "env": In("a", 1)}}}}
	if err := ValidatePolicy(ok); err != nil {
		t.Fatalf("expected valid policy, got %v", err)
	}
}

func TestValidateDocument(t *testing.T) {
	good := json.RawMessage(`{"name":"p","priority":1,"rules":[{"match":{"action":"file.read"},"decision":"auto_approve"}]}`)
	if err := ValidateDocument(good); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}
	bad := json.RawMessage(`{"name":"p","rules":[{"match":{},"decision":"maybe"}]}`)
	if err := ValidateDocument(bad); !IsValidationError(err) {
		t.Fatalf("expected schema rejection, got %v", err)
	}
	missing := json.RawMessage(`{"rules":[]}`)
	if err := ValidateDocument(missing); err == nil {
		t.Fatalf("expected missing name rejected")
	}
}
