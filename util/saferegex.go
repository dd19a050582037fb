package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vitaview/metrics"

	"github.com/dlclark/regexp2"
)

const (
	// MaxRegexLength is the maximum allowed pattern length for operator-supplied rules
	MaxRegexLength = 500
	// DefaultRegexTimeout bounds a single match
	DefaultRegexTimeout = 100 * time.Millisecond
	// MaxRegexTimeout is the largest timeout a caller may configure
	MaxRegexTimeout = 1 * time.Second
	// maxNestingDepth limits group nesting in operator-supplied patterns
	maxNestingDepth = 3
)

// ErrRegexTimeout is returned when a match exceeds its timeout.
var ErrRegexTimeout = errors.New("regex evaluation timeout")

// Pattern is a compiled regexp2 expression with a match timeout.
// regexp2 is used instead of regexp because the rule catalog relies on
// lookaheads and because it bounds backtracking with MatchTimeout.
type Pattern struct {
	re     *regexp2.Regexp
	source string
	hash   string
}

var (
	patternCache = make(map[string]*Pattern)
	patternMu    sync.RWMutex
)

// CompilePattern compiles pattern, reusing a cached instance for the same
// pattern, case mode and timeout.
func CompilePattern(pattern string, ignoreCase bool, timeout time.Duration) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("regex pattern cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	if timeout > MaxRegexTimeout {
		timeout = MaxRegexTimeout
	}

	cacheKey := fmt.Sprintf("%s:%t:%d", pattern, ignoreCase, timeout.Milliseconds())

	patternMu.RLock()
	p, ok := patternCache[cacheKey]
	patternMu.RUnlock()
	if ok {
		return p, nil
	}

	patternMu.Lock()
	defer patternMu.Unlock()

	// Double-check after acquiring the write lock
	if p, ok = patternCache[cacheKey]; ok {
		return p, nil
	}

	opts := regexp2.RegexOptions(regexp2.None)
	if ignoreCase {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern: %w", err)
	}
	re.MatchTimeout = timeout

	p = &Pattern{re: re, source: pattern, hash: hashPattern(pattern)}
	patternCache[cacheKey] = p
	return p, nil
}

// MustCompilePattern is like CompilePattern but panics on error.
// Only used for the built-in catalogs.
func MustCompilePattern(pattern string, ignoreCase bool, timeout time.Duration) *Pattern {
	p, err := CompilePattern(pattern, ignoreCase, timeout)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether input matches. component labels the timeout metric.
func (p *Pattern) Match(component, input string) (bool, error) {
	ok, err := p.re.MatchString(input)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "timeout") {
			metrics.RegexTimeouts.WithLabelValues(component, p.hash).Inc()
			return false, ErrRegexTimeout
		}
		return false, fmt.Errorf("regex matching error: %w", err)
	}
	return ok, nil
}

// String returns the source pattern.
func (p *Pattern) String() string {
	return p.source
}

// ValidateComplexity rejects operator-supplied patterns that are likely to
// backtrack catastrophically or that are too large to reason about.
func ValidateComplexity(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("regex pattern cannot be empty")
	}
	if len(pattern) > MaxRegexLength {
		return fmt.Errorf("regex pattern too long: %d characters (max %d)", len(pattern), MaxRegexLength)
	}

	for _, dangerous := range []string{")+*", ")*+", ")++", ")**", ")+{", ")*{", "}+*", "}*+"} {
		if strings.Contains(pattern, dangerous) {
			return fmt.Errorf("pattern contains nested quantifiers which may cause ReDoS: found '%s'", dangerous)
		}
	}
	if nestedQuantifier(pattern) {
		return fmt.Errorf("pattern contains nested quantifiers which may cause ReDoS: %s", pattern)
	}

	depth := 0
	escaped := false
	for _, ch := range pattern {
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = true
		case '(':
			depth++
			if depth > maxNestingDepth {
				return fmt.Errorf("pattern has excessive nesting depth: %d (max %d)", depth, maxNestingDepth)
			}
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("pattern has unmatched closing parenthesis")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("pattern has unmatched parentheses")
	}
	return nil
}

// nestedQuantifier detects a quantified group whose body ends in a quantifier,
// e.g. (a+)+ or (x*)*.
func nestedQuantifier(pattern string) bool {
	for i := 1; i < len(pattern)-1; i++ {
		if pattern[i] != ')' {
			continue
		}
		inner := pattern[i-1]
		outer := pattern[i+1]
		if (inner == '+' || inner == '*') && (outer == '+' || outer == '*' || outer == '{') {
			if i >= 2 && pattern[i-2] == '\\' {
				continue
			}
			return true
		}
	}
	return false
}

// hashPattern creates a short hash of a pattern for metrics labeling
func hashPattern(pattern string) string {
	hash := sha256.Sum256([]byte(pattern))
	return hex.EncodeToString(hash[:])[:8]
}
