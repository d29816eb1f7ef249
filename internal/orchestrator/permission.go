package orchestrator

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Decision is a permission checker's verdict for one tool call.
type Decision int

const (
	// Ask defers the decision to the user.
	Ask Decision = iota
	// Allow runs the tool without prompting.
	Allow
	// Deny refuses the tool without prompting.
	Deny
)

// Answer is the user's reply to a permission prompt. The Always variants
// persist for the rest of the session.
type Answer int

const (
	NoOnce Answer = iota
	YesOnce
	YesAlways
	NoAlways
	Cancelled
)

// PermissionChecker decides whether a tool call may run. The reason is
// surfaced in the failing result for Deny verdicts and is empty otherwise.
type PermissionChecker interface {
	Check(ctx context.Context, toolName string, args map[string]any) (Decision, string)
}

// Prompter asks the user to approve a tool call when the checker defers.
type Prompter interface {
	Prompt(ctx context.Context, toolName string, args map[string]any) (Answer, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, toolName string, args map[string]any) (Answer, error)

func (f PrompterFunc) Prompt(ctx context.Context, toolName string, args map[string]any) (Answer, error) {
	return f(ctx, toolName, args)
}

// RulePolicy is the default checker: explicit allow/deny lists consulted
// first, then session rules accumulated from Always answers. Unknown tools
// fall through to Ask.
type RulePolicy struct {
	mu      sync.RWMutex
	allow   map[string]bool
	deny    map[string]bool
	session map[string]Decision
}

// NewRulePolicy builds a policy from configured allow and deny lists. Deny
// wins when a tool appears in both.
func NewRulePolicy(allowList, denyList []string) *RulePolicy {
	p := &RulePolicy{
		allow:   make(map[string]bool, len(allowList)),
		deny:    make(map[string]bool, len(denyList)),
		session: make(map[string]Decision),
	}
	for _, name := range allowList {
		p.allow[strings.ToLower(name)] = true
	}
	for _, name := range denyList {
		p.deny[strings.ToLower(name)] = true
	}
	return p
}

func (p *RulePolicy) Check(ctx context.Context, toolName string, args map[string]any) (Decision, string) {
	name := strings.ToLower(toolName)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.deny[name] {
		return Deny, "tool is on the configured deny list"
	}
	if p.allow[name] {
		return Allow, ""
	}
	if d, ok := p.session[sessionKey(name, args)]; ok {
		if d == Deny {
			return Deny, "tool was denied for the session"
		}
		return d, ""
	}
	return Ask, ""
}

// Remember persists an Always answer for the rest of the session, scoped to
// the tool and the shape of the arguments it was approved for.
func (p *RulePolicy) Remember(toolName string, args map[string]any, answer Answer) {
	key := sessionKey(strings.ToLower(toolName), args)
	p.mu.Lock()
	defer p.mu.Unlock()
	switch answer {
	case YesAlways:
		p.session[key] = Allow
	case NoAlways:
		p.session[key] = Deny
	}
}

// sessionKey scopes a remembered answer to the tool plus the set of
// argument names. Approving echo(text) does not approve echo(path, text).
func sessionKey(toolName string, args map[string]any) string {
	if len(args) == 0 {
		return toolName
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return toolName + ":" + strconv.FormatUint(h.Sum64(), 16)
}
