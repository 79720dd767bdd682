// Package moderation implements the chat moderation pipeline: rule
// evaluation over normalized chat messages, per-user coordination
// (cooldowns, exemptions, ordered action execution), and audit logging.
package moderation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the chat platform a message arrived from. Moderation
// state is keyed per (tenant, platform, user); no cross-platform identity
// unification happens at moderation time.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformDiscord Platform = "discord"
	PlatformYouTube Platform = "youtube"
	PlatformKick    Platform = "kick"
)

// Message is the normalized, platform-agnostic chat event. Platform-specific
// shapes are translated into this at the adapter boundary.
type Message struct {
	TenantID   string
	Platform   Platform
	ChannelID  string // adapter reply target; never used for rule matching
	UserID     string
	Username   string
	Text       string
	ReceivedAt time.Time
}

// RuleType enumerates the fixed rule set. Declaration order is evaluation
// priority order.
type RuleType int

const (
	RuleLinks RuleType = iota
	RuleBannedWords
	RuleCustomPattern
	RuleToxic
	RuleSpam
	RuleCaps
	RuleSymbols
)

func (t RuleType) String() string {
	switch t {
	case RuleLinks:
		return "links"
	case RuleBannedWords:
		return "banned_words"
	case RuleCustomPattern:
		return "custom_pattern"
	case RuleToxic:
		return "toxic"
	case RuleSpam:
		return "spam"
	case RuleCaps:
		return "caps"
	case RuleSymbols:
		return "symbols"
	}
	return fmt.Sprintf("rule(%d)", int(t))
}

// MarshalJSON encodes the rule type in its stored string form.
func (t RuleType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *RuleType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseRuleType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseRuleType maps the stored string form back to a RuleType.
func ParseRuleType(s string) (RuleType, error) {
	switch s {
	case "links":
		return RuleLinks, nil
	case "banned_words":
		return RuleBannedWords, nil
	case "custom_pattern":
		return RuleCustomPattern, nil
	case "toxic":
		return RuleToxic, nil
	case "spam":
		return RuleSpam, nil
	case "caps":
		return RuleCaps, nil
	case "symbols":
		return RuleSymbols, nil
	}
	return 0, fmt.Errorf("unknown rule type %q", s)
}

// Severity is ordinal and affects reporting only, never control flow.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Action is the side effect executed when a rule triggers.
type Action int

const (
	ActionWarn Action = iota
	ActionTimeout
	ActionBan
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionTimeout:
		return "timeout"
	case ActionBan:
		return "ban"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func ParseAction(s string) (Action, error) {
	switch s {
	case "warn":
		return ActionWarn, nil
	case "timeout":
		return ActionTimeout, nil
	case "ban":
		return ActionBan, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Rule is one configured moderation rule for a tenant. At most one enabled
// rule per (tenant, type) is consulted during evaluation; disabled
// duplicates are ignored.
type Rule struct {
	ID            int64
	TenantID      string
	Type          RuleType
	Enabled       bool
	Severity      Severity
	Action        Action
	CustomPattern string
}

// TenantConfig is the full moderation configuration for one tenant as read
// from the config store at evaluation time.
type TenantConfig struct {
	Rules       []Rule
	BannedWords []string
	Whitelist   []string // link whitelist domains, lowercase
}

// Verdict reports which rule fired; severity and action are copied from the
// matching rule's configuration, the evaluator never decides them itself.
type Verdict struct {
	Rule     RuleType
	Severity Severity
	Action   Action
}

// LogEntry is the immutable audit record appended for every executed (or
// attempted) moderation action.
type LogEntry struct {
	ID          uuid.UUID `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Platform    Platform  `json:"platform"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Message     string    `json:"message"`
	Rule        RuleType  `json:"rule"`
	Action      Action    `json:"action"`
	Severity    Severity  `json:"severity"`
	ActionOK    bool      `json:"action_ok"`
	ActionError string    `json:"action_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
