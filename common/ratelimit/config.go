package ratelimit

import (
	"fmt"
	"time"
)

// Rule is a named limit: Limit requests per Window for each subject
type Rule struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// WriteRule limits entity writes per client
func WriteRule(limit int64, window time.Duration) Rule {
	return Rule{Name: "writes", Limit: limit, Window: window}
}

// Validate checks the rule can be enforced
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rate limit rule needs a name")
	}
	if r.Limit < 1 {
		return fmt.Errorf("rate limit %s: limit must be positive, got %d", r.Name, r.Limit)
	}
	if r.Window < time.Millisecond {
		return fmt.Errorf("rate limit %s: window too short: %s", r.Name, r.Window)
	}
	return nil
}

// Key returns the Redis counter key of subject under this rule
func (r Rule) Key(subject string) string {
	return fmt.Sprintf("rate_limit:%s:%s", r.Name, subject)
}
