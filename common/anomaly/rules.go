package anomaly

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Rule flags a diff as an anomaly when its expression evaluates to true.
// Expressions see resource (kind name), changes (field to {old, new}),
// old and new (snapshot data, null on creation and deletion).
type Rule struct {
	Name       string
	Expression string
}

// DefaultRules are applied when no rule file is configured
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "insee_change",
			Expression: `resource == "municipality" && old != null && new != null && "insee" in changes`,
		},
		{
			Name:       "municipality_deletion",
			Expression: `resource == "municipality" && new == null`,
		},
		{
			Name:       "street_move",
			Expression: `resource == "street" && old != null && new != null && "municipality_id" in changes`,
		},
	}
}

// ParseRules reads one "name: expression" rule per line.
// Blank lines and lines starting with # are skipped.
func ParseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		name, expr, ok := strings.Cut(text, ":")
		name, expr = strings.TrimSpace(name), strings.TrimSpace(expr)
		if !ok || name == "" || expr == "" {
			return nil, fmt.Errorf("line %d: expected \"name: expression\"", line)
		}
		if seen[name] {
			return nil, fmt.Errorf("line %d: duplicate rule %q", line, name)
		}
		seen[name] = true
		rules = append(rules, Rule{Name: name, Expression: expr})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return rules, nil
}

// LoadRules reads rules from a file, or returns DefaultRules when path is empty
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules: %w", err)
	}
	defer f.Close()

	return ParseRules(f)
}
