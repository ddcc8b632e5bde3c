package daemon

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/amonhq/amon/internal/bus"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/telemetry"
)

// HookRule is one rule converting matching events into a run request. Rules
// are loaded from <data>/hooks/<hook_id>.yaml.
type HookRule struct {
	ID string `yaml:"id"`

	// Predicates. EventType and PathGlob use path.Match glob semantics;
	// empty predicates match anything. Actor, when set, must equal the
	// event's actor exactly. MinSize filters on the event payload's "size".
	EventType string `yaml:"event_type"`
	PathGlob  string `yaml:"path_glob"`
	MinSize   int64  `yaml:"min_size"`
	Actor     string `yaml:"actor"`

	// Action: either a graph template run or a direct policy-gated tool
	// call that bypasses the LLM entirely.
	TemplateID string              `yaml:"template_id"`
	Vars       map[string]any      `yaml:"vars"`
	ToolCall   *model.ToolCallSpec `yaml:"tool_call"`

	// Safety.
	CooldownSeconds int    `yaml:"cooldown_seconds"`
	MaxConcurrency  int    `yaml:"max_concurrency"`
	DedupeKey       string `yaml:"dedupe_key"`
	NeedsLLM        bool   `yaml:"needs_llm"`
	HighRisk        bool   `yaml:"high_risk"`
}

// HookMatcherOptions configures a HookMatcher.
type HookMatcherOptions struct {
	Rules []HookRule
	// IgnoreActors lists event actors that never trigger hooks (typically
	// "system", preventing a run's own writes from re-triggering it).
	IgnoreActors []string
	Dispatch     func(ctx context.Context, rule HookRule, trigger model.Event)
	Logger       telemetry.Logger
}

// HookMatcher subscribes to the event bus and dispatches matching rules,
// enforcing per-rule cooldown, dedupe, and concurrency limits.
type HookMatcher struct {
	opts HookMatcherOptions
	sub  *bus.Subscription

	mu        sync.Mutex
	lastFired map[string]time.Time
	lastKey   map[string]string
	inflight  map[string]int
}

// NewHookMatcher builds a matcher over the given rules.
func NewHookMatcher(opts HookMatcherOptions) *HookMatcher {
	return &HookMatcher{
		opts:      opts,
		lastFired: make(map[string]time.Time),
		lastKey:   make(map[string]string),
		inflight:  make(map[string]int),
	}
}

// Attach registers the matcher on the bus. Hook-fired events and ignored
// actors are filtered out so a hook can never trigger itself.
func (m *HookMatcher) Attach(ctx context.Context, b *bus.Bus) {
	m.sub = b.Register(func(evt model.Event) bool {
		if evt.Type == model.EventHookFired {
			return false
		}
		for _, actor := range m.opts.IgnoreActors {
			if evt.Actor == actor {
				return false
			}
		}
		return true
	}, func(_ context.Context, evt model.Event) {
		m.handle(ctx, evt)
	})
}

// Close detaches the matcher from the bus.
func (m *HookMatcher) Close() {
	if m.sub != nil {
		m.sub.Close()
	}
}

func (m *HookMatcher) handle(ctx context.Context, evt model.Event) {
	for _, rule := range m.opts.Rules {
		if !ruleMatches(rule, evt) {
			continue
		}
		if !m.admit(rule, evt) {
			continue
		}
		m.opts.Dispatch(ctx, rule, evt)
		m.release(rule.ID)
	}
}

// admit applies cooldown, dedupe-key, and concurrency gates for one firing.
func (m *HookMatcher) admit(rule HookRule, evt model.Event) bool {
	cooldown := time.Duration(rule.CooldownSeconds) * time.Second
	if rule.CooldownSeconds == 0 {
		cooldown = 30 * time.Second
	}
	maxConc := rule.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if last, ok := m.lastFired[rule.ID]; ok && now.Sub(last) < cooldown {
		return false
	}
	if key := expandDedupeKey(rule.DedupeKey, evt); key != "" {
		if m.lastKey[rule.ID] == key && now.Sub(m.lastFired[rule.ID]) < 2*cooldown {
			return false
		}
		m.lastKey[rule.ID] = key
	}
	if m.inflight[rule.ID] >= maxConc {
		return false
	}
	m.inflight[rule.ID]++
	m.lastFired[rule.ID] = now
	return true
}

func (m *HookMatcher) release(ruleID string) {
	m.mu.Lock()
	if m.inflight[ruleID] > 0 {
		m.inflight[ruleID]--
	}
	m.mu.Unlock()
}

func ruleMatches(rule HookRule, evt model.Event) bool {
	if rule.EventType != "" {
		if ok, err := path.Match(rule.EventType, string(evt.Type)); err != nil || !ok {
			if rule.EventType != string(evt.Type) {
				return false
			}
		}
	}
	if rule.Actor != "" && rule.Actor != evt.Actor {
		return false
	}
	if rule.PathGlob != "" {
		p, _ := evt.Payload["path"].(string)
		if ok, err := path.Match(rule.PathGlob, p); err != nil || !ok {
			return false
		}
	}
	if rule.MinSize > 0 {
		size, _ := evt.Payload["size"].(float64)
		if int64(size) < rule.MinSize {
			return false
		}
	}
	return true
}

// expandDedupeKey substitutes {event_type} and {path} template fields.
func expandDedupeKey(tmpl string, evt model.Event) string {
	if tmpl == "" {
		return ""
	}
	out := strings.ReplaceAll(tmpl, "{event_type}", string(evt.Type))
	p, _ := evt.Payload["path"].(string)
	return strings.ReplaceAll(out, "{path}", p)
}
