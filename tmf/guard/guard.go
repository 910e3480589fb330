// Package guard enforces the topical and safety policy applied to every turn.
//
// A Policy is built once from configuration and never changes afterwards, so
// it can be shared freely. PreCheck decides whether user input may reach the
// model; PostCheck decides whether a model answer needs the disclaimer
// appended. PostCheck never rejects.
package guard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/config"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"
)

// ReasonEmptyInput is the rejection reason for blank input.
const ReasonEmptyInput = "empty input"

// Decision is the verdict of a check.
type Decision int

const (
	Allow Decision = iota
	Reject
	Pass
	Annotate
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Reject:
		return "reject"
	case Pass:
		return "pass"
	case Annotate:
		return "annotate"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Outcome is the result of PreCheck or PostCheck.
type Outcome struct {
	Decision Decision
	Reason   string // set for Reject
	Rule     string // name of the matching rule, if any
	Suffix   string // set for Annotate
}

// Rejected reports whether the outcome blocks the input.
func (o Outcome) Rejected() bool { return o.Decision == Reject }

// Apply returns text with the annotation suffix appended, if any.
func (o Outcome) Apply(text string) string {
	if o.Decision != Annotate || o.Suffix == "" {
		return text
	}
	return text + o.Suffix
}

// Err converts a rejection into a *RejectedError; other outcomes yield nil.
func (o Outcome) Err() error {
	if !o.Rejected() {
		return nil
	}
	return &RejectedError{Reason: o.Reason, Rule: o.Rule}
}

// RejectedError reports user input refused by the policy.
type RejectedError struct {
	Reason string
	Rule   string
}

func (e *RejectedError) Error() string {
	return "input rejected: " + e.Reason
}

// Outcome returns the rejection as an Outcome, e.g. for Policy.Refusal.
func (e *RejectedError) Outcome() Outcome {
	return Outcome{Decision: Reject, Reason: e.Reason, Rule: e.Rule}
}

// IsRejected reports whether err is or wraps a *RejectedError.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

type rule struct {
	name     string
	reason   string
	patterns []*regexp.Regexp
}

// Policy is the immutable guard policy.
type Policy struct {
	systemTurn     conversation.Turn
	disclaimer     string
	triggers       []*regexp.Regexp
	refusal        string
	maxInputLength int
	rules          []rule
}

// New compiles the policy described by cfg.
func New(cfg config.GuardConfig) (*Policy, error) {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		return nil, errors.New("guard: system prompt must not be empty")
	}
	if cfg.MaxInputLength <= 0 {
		return nil, fmt.Errorf("guard: max input length must be positive, got %d", cfg.MaxInputLength)
	}

	p := &Policy{
		disclaimer:     strings.TrimSpace(cfg.Disclaimer),
		refusal:        cfg.Refusal,
		maxInputLength: cfg.MaxInputLength,
	}

	for _, rc := range cfg.Rules {
		r := rule{name: rc.Name, reason: rc.Reason}
		for _, pattern := range rc.Patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("guard: rule %s: invalid pattern %q: %w", rc.Name, pattern, err)
			}
			r.patterns = append(r.patterns, re)
		}
		p.rules = append(p.rules, r)
	}

	for _, pattern := range cfg.DisclaimerTriggers {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("guard: invalid disclaimer trigger %q: %w", pattern, err)
		}
		p.triggers = append(p.triggers, re)
	}

	p.systemTurn = conversation.System(buildSystemPrompt(cfg, p.disclaimer))
	return p, nil
}

func buildSystemPrompt(cfg config.GuardConfig, disclaimer string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(cfg.SystemPrompt))
	if topics := strings.TrimSpace(cfg.AllowedTopics); topics != "" {
		b.WriteString("\n\nAllowed topics: ")
		b.WriteString(topics)
		b.WriteString(". Politely decline anything unrelated to personal finance education.")
	}
	if disclaimer != "" {
		b.WriteString("\nWhen discussing specific investment products, remind the user: ")
		b.WriteString(disclaimer)
	}
	return b.String()
}

// SystemTurn returns the system turn that opens every conversation.
func (p *Policy) SystemTurn() conversation.Turn {
	return p.systemTurn
}

// PreCheck decides whether user input may be forwarded to the model.
func (p *Policy) PreCheck(text string) Outcome {
	if strings.TrimSpace(text) == "" {
		return Outcome{Decision: Reject, Reason: ReasonEmptyInput}
	}
	if utf8.RuneCountInString(text) > p.maxInputLength {
		return Outcome{Decision: Reject, Reason: fmt.Sprintf("input exceeds %d characters", p.maxInputLength)}
	}
	for _, r := range p.rules {
		for _, re := range r.patterns {
			if re.MatchString(text) {
				return Outcome{Decision: Reject, Reason: r.reason, Rule: r.name}
			}
		}
	}
	return Outcome{Decision: Allow}
}

// PostCheck decides whether a model answer needs the disclaimer.
func (p *Policy) PostCheck(text string) Outcome {
	if p.disclaimer == "" || strings.Contains(text, p.disclaimer) {
		return Outcome{Decision: Pass}
	}
	for _, re := range p.triggers {
		if re.MatchString(text) {
			return Outcome{Decision: Annotate, Suffix: "\n\n" + p.disclaimer}
		}
	}
	return Outcome{Decision: Pass}
}

// Refusal renders the canned refusal for a rejected outcome.
func (p *Policy) Refusal(o Outcome) string {
	reason := o.Reason
	if reason == "" {
		reason = "outside the scope of financial education"
	}
	if !strings.Contains(p.refusal, "%s") {
		if p.refusal == "" {
			return "I can't help with that (" + reason + ")."
		}
		return p.refusal
	}
	return strings.Replace(p.refusal, "%s", reason, 1)
}
