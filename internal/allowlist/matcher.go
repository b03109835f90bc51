// Package allowlist matches a command's resolved executable path
// against an agent's ordered allowlist patterns.
//
// Patterns are case-insensitive globs over absolute or home-relative
// paths: `*` matches within one path segment, `**` matches across
// segments. Matching is deterministic and first-match-wins. A pattern
// that fails to compile is logged and treated as a non-match, never as
// a match.
package allowlist

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/agentsh/execgate/internal/policy"
)

// PathResolver resolves a command name to an absolute executable path
// using PATH-style lookup semantics on the target host, not the
// caller. Home returns the target host's home directory, used to
// expand `~/` patterns.
type PathResolver interface {
	LookPath(command string) (string, error)
	Home() string
}

// MatchResult is the outcome of one allowlist check.
type MatchResult struct {
	Matched      bool
	Pattern      string
	ResolvedPath string

	// SkillBinary is set when the match came from the agent's skill
	// bin directory rather than a stored entry.
	SkillBinary bool
}

// Matcher evaluates allowlist entries against commands.
type Matcher struct {
	paths  PathResolver
	logger *slog.Logger
}

// NewMatcher returns a matcher that resolves executables through paths.
func NewMatcher(paths PathResolver, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{paths: paths, logger: logger.With("component", "allowlist")}
}

// Matches resolves command to an executable path on the target host
// and tests it against entries in order. The returned pattern lets the
// caller refresh the entry's usage metadata; the matcher itself never
// mutates stored policy.
func (m *Matcher) Matches(command string, entries []policy.AllowlistEntry) MatchResult {
	resolved, err := m.paths.LookPath(command)
	if err != nil {
		// Unresolvable commands cannot match any path pattern.
		return MatchResult{}
	}
	resolved = filepath.ToSlash(resolved)

	home := filepath.ToSlash(m.paths.Home())
	candidate := strings.ToLower(resolved)

	for _, e := range entries {
		g, err := compile(e.Pattern, home)
		if err != nil {
			m.logger.Warn("skipping invalid allowlist pattern",
				"pattern", e.Pattern, "error", err)
			continue
		}
		if g.Match(candidate) {
			return MatchResult{Matched: true, Pattern: e.Pattern, ResolvedPath: resolved}
		}
	}
	return MatchResult{ResolvedPath: resolved}
}

// MatchesSkillBin reports whether the resolved path lives under the
// agent's skill bin directory. Used by the dispatcher when the agent
// policy enables autoAllowSkillBinaries.
func (m *Matcher) MatchesSkillBin(command, skillBinDir string) MatchResult {
	if skillBinDir == "" {
		return MatchResult{}
	}
	resolved, err := m.paths.LookPath(command)
	if err != nil {
		return MatchResult{}
	}
	rel, err := filepath.Rel(skillBinDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return MatchResult{ResolvedPath: filepath.ToSlash(resolved)}
	}
	return MatchResult{
		Matched:      true,
		ResolvedPath: filepath.ToSlash(resolved),
		SkillBinary:  true,
	}
}

// compile turns an allowlist pattern into a case-insensitive glob with
// `/` as the segment separator, expanding a leading `~/` against the
// target host's home directory.
func compile(pattern, home string) (glob.Glob, error) {
	p := filepath.ToSlash(pattern)
	if p == "~" || strings.HasPrefix(p, "~/") {
		p = home + strings.TrimPrefix(p, "~")
	}
	return glob.Compile(strings.ToLower(p), '/')
}
