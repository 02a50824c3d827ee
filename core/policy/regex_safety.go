package policy

import (
	"errors"
	"fmt"
	"regexp"
	"regexp/syntax"
	"unicode"
)

const maxRegexLength = 512

// ErrUnsafeRegex marks patterns that risk catastrophic backtracking on
// engines without linear-time guarantees.
var ErrUnsafeRegex = errors.New("unsafe regex")

// CheckRegexSafety rejects patterns that do not compile, that nest an
// unbounded quantifier inside another quantifier, e.g. (a+)+ or (.*a){20},
// or that repeat an alternation whose branches overlap, e.g. (a|aa)+.
func CheckRegexSafety(pattern string) error {
	if len(pattern) > maxRegexLength {
		return fmt.Errorf("%w: pattern longer than %d bytes", ErrUnsafeRegex, maxRegexLength)
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	tree, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	if nestedQuantifier(tree) {
		return fmt.Errorf("%w: nested unbounded quantifier in %q", ErrUnsafeRegex, pattern)
	}
	if repeatedOverlap(tree, false) {
		return fmt.Errorf("%w: overlapping alternation under quantifier in %q", ErrUnsafeRegex, pattern)
	}
	return nil
}

func nestedQuantifier(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		if containsUnbounded(re.Sub[0]) {
			return true
		}
	case syntax.OpRepeat:
		if (re.Max == -1 || re.Max > 1) && containsUnbounded(re.Sub[0]) {
			return true
		}
	}
	for _, sub := range re.Sub {
		if nestedQuantifier(sub) {
			return true
		}
	}
	return false
}

func containsUnbounded(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		return true
	case syntax.OpRepeat:
		if re.Max == -1 {
			return true
		}
	}
	for _, sub := range re.Sub {
		if containsUnbounded(sub) {
			return true
		}
	}
	return false
}

func repeats(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		return true
	case syntax.OpRepeat:
		return re.Max == -1 || re.Max > 1
	}
	return false
}

// repeatedOverlap reports an alternation inside a repeat whose branches can
// start with the same character or match the empty string. The parser
// factors common prefixes, so (a|aa)+ arrives here as a(?:|a) under +.
func repeatedOverlap(re *syntax.Regexp, quantified bool) bool {
	quantified = quantified || repeats(re)
	if quantified && re.Op == syntax.OpAlternate && overlappingBranches(re.Sub) {
		return true
	}
	for _, sub := range re.Sub {
		if repeatedOverlap(sub, quantified) {
			return true
		}
	}
	return false
}

func overlappingBranches(branches []*syntax.Regexp) bool {
	firsts := make([]runeSet, len(branches))
	for i, b := range branches {
		if nullable(b) {
			return true
		}
		firsts[i] = firstRunes(b)
		for j := 0; j < i; j++ {
			if firsts[i].intersects(firsts[j]) {
				return true
			}
		}
	}
	return false
}

// runeSet is a union of inclusive rune ranges, or every rune when any is set.
type runeSet struct {
	any    bool
	ranges []rune
}

func (s *runeSet) add(o runeSet) {
	s.any = s.any || o.any
	s.ranges = append(s.ranges, o.ranges...)
}

func (s runeSet) empty() bool { return !s.any && len(s.ranges) == 0 }

func (s runeSet) intersects(o runeSet) bool {
	if s.empty() || o.empty() {
		return false
	}
	if s.any || o.any {
		return true
	}
	for i := 0; i+1 < len(s.ranges); i += 2 {
		for j := 0; j+1 < len(o.ranges); j += 2 {
			if s.ranges[i] <= o.ranges[j+1] && o.ranges[j] <= s.ranges[i+1] {
				return true
			}
		}
	}
	return false
}

func firstRunes(re *syntax.Regexp) runeSet {
	switch re.Op {
	case syntax.OpLiteral:
		if len(re.Rune) == 0 {
			return runeSet{}
		}
		r := re.Rune[0]
		set := runeSet{ranges: []rune{r, r}}
		if re.Flags&syntax.FoldCase != 0 {
			for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
				set.ranges = append(set.ranges, f, f)
			}
		}
		return set
	case syntax.OpCharClass:
		return runeSet{ranges: append([]rune(nil), re.Rune...)}
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		return runeSet{any: true}
	case syntax.OpCapture, syntax.OpStar, syntax.OpPlus, syntax.OpQuest, syntax.OpRepeat:
		return firstRunes(re.Sub[0])
	case syntax.OpAlternate:
		var set runeSet
		for _, sub := range re.Sub {
			set.add(firstRunes(sub))
		}
		return set
	case syntax.OpConcat:
		var set runeSet
		for _, sub := range re.Sub {
			set.add(firstRunes(sub))
			if !nullable(sub) {
				break
			}
		}
		return set
	}
	return runeSet{}
}

func nullable(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpEmptyMatch, syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText,
		syntax.OpEndText, syntax.OpWordBoundary, syntax.OpNoWordBoundary,
		syntax.OpStar, syntax.OpQuest:
		return true
	case syntax.OpRepeat:
		return re.Min == 0 || nullable(re.Sub[0])
	case syntax.OpCapture, syntax.OpPlus:
		return nullable(re.Sub[0])
	case syntax.OpAlternate:
		for _, sub := range re.Sub {
			if nullable(sub) {
				return true
			}
		}
		return false
	case syntax.OpConcat:
		for _, sub := range re.Sub {
			if !nullable(sub) {
				return false
			}
		}
		return true
	}
	return false
}
