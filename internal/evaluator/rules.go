package evaluator

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yori-gw/yori/internal/enforcement"
)

// timeLayoutHHMM is the expected format for TimeRange.Start and TimeRange.End.
const timeLayoutHHMM = "15:04"

// Rule is one matching rule loaded from a YAML policy file. Rules are
// evaluated in priority order (highest first); the first match wins.
type Rule struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Match       RuleMatch `yaml:"match"`
	Action      string    `yaml:"action"` // "allow", "alert", or "block"
	Reason      string    `yaml:"reason"`
	Priority    int       `yaml:"priority"` // higher = evaluated first
}

// RuleMatch defines conditions that must all be true for a rule to match.
// Empty fields are treated as "match all" for that dimension.
type RuleMatch struct {
	Providers []string   `yaml:"providers"`  // provider name matching
	Hosts     []string   `yaml:"hosts"`      // destination domain matching
	Paths     []string   `yaml:"paths"`      // path prefix matching
	Methods   []string   `yaml:"methods"`    // HTTP method matching
	SourceIPs []string   `yaml:"source_ips"` // CIDR or exact, prefix ! for negation
	TimeRange *TimeRange `yaml:"time_range"` // time-of-day restriction
}

// TimeRange restricts a rule to specific hours of the day.
type TimeRange struct {
	Start string `yaml:"start"` // "21:00" (HH:MM)
	End   string `yaml:"end"`   // "07:00" (HH:MM), before Start wraps midnight
	TZ    string `yaml:"tz"`    // IANA zone, defaults to local time
}

// ruleFile is the on-disk shape: either a single rule document or a list
// under "rules".
type ruleFile struct {
	Rule  `yaml:",inline"`
	Rules []Rule `yaml:"rules"`
}

// RuleEvaluator evaluates YAML rule files from the policy directory. Safe for
// concurrent use; Reload swaps the rule slice under a write lock while
// Evaluate holds a read lock.
type RuleEvaluator struct {
	dir   string
	rules []Rule
	mu    sync.RWMutex
}

// NewRuleEvaluator loads all rule files from dir. A missing directory is not
// an error: the evaluator simply has no rules and returns default allows.
func NewRuleEvaluator(dir string) (*RuleEvaluator, error) {
	e := &RuleEvaluator{dir: dir}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads all rule files. The rule name defaults to the file name
// without extension when unset, so verdicts line up with the policies.files
// configuration keys.
func (e *RuleEvaluator) Reload() error {
	entries, err := os.ReadDir(e.dir)
	if os.IsNotExist(err) {
		e.mu.Lock()
		e.rules = nil
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read policy directory %s: %w", e.dir, err)
	}

	var rules []Rule
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		loaded, err := loadRuleFile(filepath.Join(e.dir, name))
		if err != nil {
			return err
		}
		rules = append(rules, loaded...)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// Rules returns a copy of the current rules in evaluation order.
func (e *RuleEvaluator) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate checks the request against all rules in priority order. The first
// matching rule wins; with no match the verdict is a default allow.
func (e *RuleEvaluator) Evaluate(_ context.Context, req RequestInfo) (enforcement.Verdict, error) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, r := range rules {
		if !matchRule(r, req) {
			continue
		}
		reason := r.Reason
		if reason == "" {
			reason = fmt.Sprintf("matched rule %q", r.Name)
		}
		return enforcement.Verdict{
			PolicyName: r.Name,
			Action:     enforcement.Action(r.Action),
			Reason:     reason,
		}, nil
	}

	return enforcement.Verdict{
		PolicyName: "default",
		Action:     enforcement.ActionAllow,
		Reason:     "no matching rule, default allow",
	}, nil
}

func loadRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", path, err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}

	base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	rules := rf.Rules
	if len(rules) == 0 {
		rules = []Rule{rf.Rule}
	}

	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			r.Name = base
		}
		if r.Action == "" {
			continue // a file with no action is inert, not an error
		}
		switch r.Action {
		case "allow", "alert", "block":
		default:
			return nil, fmt.Errorf("rule file %s: rule %q has unknown action %q", path, r.Name, r.Action)
		}
		out = append(out, r)
	}
	return out, nil
}

// matchRule returns true if all non-empty conditions in the rule match the
// request. Empty conditions match everything (AND logic across dimensions).
func matchRule(r Rule, req RequestInfo) bool {
	if !matchStringList(r.Match.Providers, req.Provider) {
		return false
	}
	if !matchStringList(r.Match.Hosts, strings.ToLower(req.Host)) {
		return false
	}
	if !matchPrefixList(r.Match.Paths, req.Path) {
		return false
	}
	if !matchStringList(r.Match.Methods, req.Method) {
		return false
	}
	if !matchIPs(r.Match.SourceIPs, req.ClientIP) {
		return false
	}
	if !matchTimeRange(r.Match.TimeRange, req.Time) {
		return false
	}
	return true
}

// matchStringList returns true if the list is empty or contains the value.
func matchStringList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// matchPrefixList returns true if the list is empty or some entry prefixes
// the value.
func matchPrefixList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if strings.HasPrefix(value, item) {
			return true
		}
	}
	return false
}

// matchIPs returns true if the IP list is empty, or the request IP matches at
// least one entry (CIDR or exact). Entries prefixed with "!" are negated: if
// the request IP matches a negated entry, the match fails immediately.
func matchIPs(patterns []string, ip string) bool {
	if len(patterns) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	matched := false
	for _, pattern := range patterns {
		negate := strings.HasPrefix(pattern, "!")
		p := strings.TrimPrefix(pattern, "!")

		var hit bool
		if _, cidr, err := net.ParseCIDR(p); err == nil {
			hit = cidr.Contains(parsed)
		} else if other := net.ParseIP(p); other != nil {
			hit = other.Equal(parsed)
		}

		if hit {
			if negate {
				return false
			}
			matched = true
		}
	}
	return matched
}

// matchTimeRange returns true if tr is nil or now falls inside the range. A
// range with End before Start wraps midnight. Malformed ranges never match.
func matchTimeRange(tr *TimeRange, now time.Time) bool {
	if tr == nil {
		return true
	}

	loc := now.Location()
	if tr.TZ != "" {
		l, err := time.LoadLocation(tr.TZ)
		if err != nil {
			return false
		}
		loc = l
	}

	start, err := time.Parse(timeLayoutHHMM, tr.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse(timeLayoutHHMM, tr.End)
	if err != nil {
		return false
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	startM := start.Hour()*60 + start.Minute()
	endM := end.Hour()*60 + end.Minute()

	if startM <= endM {
		return minutes >= startM && minutes < endM
	}
	return minutes >= startM || minutes < endM
}
