package trigger

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"orchestrator-core/internal/config"
)

// Workflow keys of the reference policy.
const (
	WeeklySeedWorkflow   = "weekly_seed_v1"
	DailyCheckinWorkflow = "daily_checkin_v1"
)

// Rule binds a workflow to the wall-clock condition it fires on. Schedule is a
// five-field cron expression evaluated at hour granularity.
type Rule struct {
	WorkflowKey string         `yaml:"workflow_key"`
	Schedule    string         `yaml:"schedule"`
	Payload     map[string]any `yaml:"payload,omitempty"`

	sched cron.Schedule
}

// DefaultRules is the reference policy: the weekly seed on Sundays at 18:00
// and the check-in every day at 07:00.
func DefaultRules() []Rule {
	return []Rule{
		{WorkflowKey: WeeklySeedWorkflow, Schedule: "0 18 * * 0"},
		{WorkflowKey: DailyCheckinWorkflow, Schedule: "0 7 * * *"},
	}
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule table of the form
//
//	rules:
//	  - workflow_key: weekly_seed_v1
//	    schedule: "0 18 * * 0"
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s defines no rules", path)
	}
	return f.Rules, nil
}

// FilterRules keeps only the named workflows. An empty filter keeps everything.
func FilterRules(rules []Rule, keys []string) []Rule {
	if len(keys) == 0 {
		return rules
	}
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if allowed[r.WorkflowKey] {
			out = append(out, r)
		}
	}
	return out
}

// RulesFromConfig resolves the rule table and timezone the trigger service
// runs with: the rules file when set, otherwise the defaults, narrowed to
// TriggerWorkflows.
func RulesFromConfig(cfg config.Config) ([]Rule, *time.Location, error) {
	rules := DefaultRules()
	if cfg.TriggerRulesFile != "" {
		loaded, err := LoadRules(cfg.TriggerRulesFile)
		if err != nil {
			return nil, nil, err
		}
		rules = loaded
	}
	rules = FilterRules(rules, cfg.TriggerWorkflows)
	if len(rules) == 0 {
		return nil, nil, fmt.Errorf("no trigger rules left after filtering on %v", cfg.TriggerWorkflows)
	}
	tz := cfg.TriggerTimezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, fmt.Errorf("load trigger timezone %q: %w", tz, err)
	}
	return rules, loc, nil
}

func compileRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.WorkflowKey == "" {
			return nil, fmt.Errorf("rule with schedule %q has no workflow_key", r.Schedule)
		}
		if seen[r.WorkflowKey] {
			return nil, fmt.Errorf("duplicate rule for workflow %s", r.WorkflowKey)
		}
		seen[r.WorkflowKey] = true
		sched, err := cron.ParseStandard(r.Schedule)
		if err != nil {
			return nil, fmt.Errorf("rule %s: parse schedule %q: %w", r.WorkflowKey, r.Schedule, err)
		}
		r.sched = sched
		out = append(out, r)
	}
	return out, nil
}

// Matches reports whether the schedule fires at any point of the hour containing now.
func (r Rule) Matches(now time.Time, loc *time.Location) bool {
	if r.sched == nil {
		return false
	}
	start := hourStart(now, loc)
	next := r.sched.Next(start.Add(-time.Nanosecond))
	return next.Before(start.Add(time.Hour))
}

func hourStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
}

// EventID identifies one eligibility window of a workflow. Every invocation
// within the same hour produces the same id.
func EventID(workflowKey string, now time.Time, loc *time.Location) string {
	return workflowKey + ":" + hourStart(now, loc).UTC().Format("2006010215")
}
