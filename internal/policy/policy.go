// Package policy implements path canonicalization and the allow/ask/deny
// decision algebra guarding every tool call and file write.
package policy

import (
	"context"
	"encoding/json"
	"path"
	"path/filepath"
	"strings"

	"github.com/amonhq/amon/internal/amonid"
)

// Decision is the outcome of a PolicyGate evaluation. Precedence is
// deny > ask > allow.
type Decision string

const (
	Deny  Decision = "deny"
	Ask   Decision = "ask"
	Allow Decision = "allow"
)

// Caller identifies who is attempting the tool call or write.
type Caller struct {
	ProjectID string
	RunID     string
	ChatID    string
	Source    string // "chat" | "hook" | "schedule"
}

// Rule is one glob-or-literal pattern in a deny/ask/allow list.
type Rule struct {
	// Tool is matched literally or as a glob (path.Match semantics) against
	// the tool name. Empty matches any tool.
	Tool string
	// Risk, if non-empty, additionally requires the tool's declared risk to
	// equal this value for the rule to match.
	Risk string
}

// ToolManifestEntry describes the metadata PolicyGate needs about a
// registered tool to apply the "risk=high demoted to ask" rule.
type ToolManifestEntry struct {
	Name string
	Risk string // "" | "low" | "medium" | "high"
}

// Options configures a Gate.
type Options struct {
	// AllowedPrefixes lists the project-relative roots writes may resolve
	// under.
	AllowedPrefixes []string
	// ProjectRoot is the absolute filesystem root the project lives under.
	ProjectRoot string
	// DenyRules, AskRules, AllowRules are evaluated in that order: deny-list
	// first, then ask-list, then allow-list; unmatched defaults to deny.
	DenyRules  []Rule
	AskRules   []Rule
	AllowRules []Rule
	// Manifest maps tool name to its declared metadata, used for the
	// risk=high auto-demotion rule.
	Manifest map[string]ToolManifestEntry
	// AuditAppend receives one call per decision with only hashes and
	// structural previews, never the raw contents.
	AuditAppend func(AuditEntry)
}

// AuditEntry is the audit-log record for one PolicyGate decision.
type AuditEntry struct {
	ToolName       string
	Decision       Decision
	Reason         string
	RequireConfirm bool
	ArgsSHA256     string
	ResultSHA256   string
	Caller         Caller
}

// Gate implements PolicyGate's Decide contract and path canonicalization.
type Gate struct {
	opts Options
}

// New constructs a Gate. AllowedPrefixes and ProjectRoot are required.
func New(opts Options) *Gate {
	return &Gate{opts: opts}
}

// Decide evaluates a tool invocation or write and returns the decision,
// reason, and whether the caller must additionally obtain user confirmation.
func (g *Gate) Decide(ctx context.Context, toolName string, args map[string]any, caller Caller) (Decision, string, bool) {
	raw, _ := json.Marshal(args)
	dec, reason, requireConfirm := g.decide(toolName, args)
	if g.opts.AuditAppend != nil {
		g.opts.AuditAppend(AuditEntry{
			ToolName:       toolName,
			Decision:       dec,
			Reason:         reason,
			RequireConfirm: requireConfirm,
			ArgsSHA256:     amonid.SHA256Hex(raw),
			Caller:         caller,
		})
	}
	_ = ctx
	return dec, reason, requireConfirm
}

func (g *Gate) decide(toolName string, args map[string]any) (Decision, string, bool) {
	// Path arguments, if present, are checked first: writes outside
	// allowed_prefixes are always deny regardless of tool list membership.
	if p, ok := pathArg(args); ok {
		if _, err := g.ResolveInProject(p); err != nil {
			return Deny, "PATH_NOT_ALLOWED", false
		}
	}

	risk := ""
	if meta, ok := g.opts.Manifest[toolName]; ok {
		risk = meta.Risk
	}
	if matchRules(g.opts.DenyRules, toolName, risk) {
		return Deny, "TOOL_DENIED", false
	}
	if matchRules(g.opts.AskRules, toolName, risk) {
		return Ask, "TOOL_ASK_LISTED", true
	}
	if matchRules(g.opts.AllowRules, toolName, risk) {
		if risk == "high" {
			return Ask, "HIGH_RISK_DEMOTED", true
		}
		return Allow, "", false
	}
	return Deny, "TOOL_DENIED", false
}

// pathArg extracts a "path" string argument if present.
func pathArg(args map[string]any) (string, bool) {
	v, ok := args["path"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ResolveInProject canonicalizes rel (a project-relative or absolute path)
// and enforces that it resolves under one of the project's AllowedPrefixes.
// It rejects ".." traversal and drive prefixes.
func (g *Gate) ResolveInProject(rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", pathNotAllowed(rel)
	}
	if isAbsWithDrive(rel) && !strings.HasPrefix(filepath.ToSlash(rel), filepath.ToSlash(g.opts.ProjectRoot)) {
		return "", pathNotAllowed(rel)
	}
	joined := rel
	if !filepath.IsAbs(rel) {
		joined = filepath.Join(g.opts.ProjectRoot, rel)
	}
	cleaned := resolveSymlinks(filepath.Clean(joined))
	cleanedSlash := filepath.ToSlash(cleaned)
	rootSlash := filepath.ToSlash(resolveSymlinks(filepath.Clean(g.opts.ProjectRoot)))
	if cleanedSlash != rootSlash && !strings.HasPrefix(cleanedSlash, rootSlash+"/") {
		return "", pathNotAllowed(rel)
	}
	relToRoot := strings.TrimPrefix(cleanedSlash, rootSlash+"/")
	for _, prefix := range g.opts.AllowedPrefixes {
		p := strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if relToRoot == p || strings.HasPrefix(relToRoot, p+"/") {
			return cleaned, nil
		}
	}
	return "", pathNotAllowed(rel)
}

// resolveSymlinks canonicalizes the deepest existing ancestor of p, so a
// symlinked parent cannot smuggle a write outside the containment root. The
// not-yet-existing tail is rejoined verbatim.
func resolveSymlinks(p string) string {
	rest := ""
	for cur := p; ; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func isAbsWithDrive(p string) bool {
	if filepath.IsAbs(p) {
		return true
	}
	// Windows drive-letter prefix ("C:\...") even on non-Windows hosts,
	// since canonicalization must reject it regardless of build target.
	return len(p) >= 2 && p[1] == ':'
}

func pathNotAllowed(p string) error {
	return &pathError{path: p}
}

type pathError struct{ path string }

func (e *pathError) Error() string { return "path not allowed: " + e.path }

// matchRules reports whether toolName matches any rule in rules, using
// path.Match glob semantics so rules like "fs.*" match "fs.write". A rule
// with a Risk constraint only matches tools declaring that risk class.
func matchRules(rules []Rule, toolName, risk string) bool {
	for _, r := range rules {
		if r.Risk != "" && r.Risk != risk {
			continue
		}
		if r.Tool == "" || r.Tool == toolName {
			return true
		}
		if ok, err := path.Match(r.Tool, toolName); err == nil && ok {
			return true
		}
	}
	return false
}
