package policy

import "sort"

// Evaluate returns the decision of the first matching rule across enabled
// policies ordered by ascending priority. Without a match the request is
// routed to a human; ambiguity never resolves to an automatic decision.
func Evaluate(in Input, policies []Policy) Result {
	ordered := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p.Enabled {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	view := requestView(in)
	for _, p := range ordered {
		for idx, rule := range p.Rules {
			if !ruleMatches(rule, view) {
				continue
			}
			return Result{
				Decision:      rule.Decision,
				Matched:       true,
				PolicyID:      p.ID,
				PolicyName:    p.Name,
				RuleIndex:     idx,
				Approvers:     append([]string(nil), rule.Approvers...),
				Channels:      append([]string(nil), rule.Channels...),
				RequireReason: rule.RequireReason,
			}
		}
	}
	return Result{Decision: RouteToHuman, RuleIndex: -1}
}

func ruleMatches(rule Rule, view map[string]any) bool {
	for path, spec := range rule.Match {
		value, found := Lookup(view, path)
		if !Match(value, found, spec) {
			return false
		}
	}
	return true
}

// requestView flattens a request: top-level fields first, then params spread
// over them (a param may shadow a top-level field), then the raw context and
// params maps under their own names.
func requestView(in Input) map[string]any {
	view := make(map[string]any, len(in.Params)+5)
	view["action"] = in.Action
	view["status"] = in.Status
	view["urgency"] = in.Urgency
	for k, v := range in.Params {
		view[k] = v
	}
	view["context"] = in.Context
	view["params"] = in.Params
	return view
}
