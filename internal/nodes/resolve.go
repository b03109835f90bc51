package nodes

import (
	"strings"

	"github.com/agentsh/execgate/pkg/types"
)

// Resolve maps a logical node reference to exactly one connected node.
//
// Resolution order: exact id, normalized display name, remote IP, then
// id prefix (at least MinPrefixLen characters, unambiguous). An empty
// ref resolves only when exactly one node is connected; with more than
// one, resolution fails closed with an AmbiguousError.
func Resolve(ref string, connected []types.Node) (types.Node, error) {
	if ref == "" {
		switch len(connected) {
		case 0:
			return types.Node{}, &NotFoundError{}
		case 1:
			return connected[0], nil
		default:
			return types.Node{}, &AmbiguousError{Matches: ids(connected)}
		}
	}

	for _, n := range connected {
		if n.ID == ref {
			return n, nil
		}
	}

	norm := normalizeName(ref)
	var byName []types.Node
	for _, n := range connected {
		if normalizeName(n.Name) == norm && n.Name != "" {
			byName = append(byName, n)
		}
	}
	if len(byName) == 1 {
		return byName[0], nil
	}
	if len(byName) > 1 {
		return types.Node{}, &AmbiguousError{Ref: ref, Matches: ids(byName)}
	}

	var byIP []types.Node
	for _, n := range connected {
		if n.RemoteIP != "" && n.RemoteIP == ref {
			byIP = append(byIP, n)
		}
	}
	if len(byIP) == 1 {
		return byIP[0], nil
	}
	if len(byIP) > 1 {
		return types.Node{}, &AmbiguousError{Ref: ref, Matches: ids(byIP)}
	}

	if len(ref) >= MinPrefixLen {
		var byPrefix []types.Node
		for _, n := range connected {
			if strings.HasPrefix(n.ID, ref) {
				byPrefix = append(byPrefix, n)
			}
		}
		if len(byPrefix) == 1 {
			return byPrefix[0], nil
		}
		if len(byPrefix) > 1 {
			return types.Node{}, &AmbiguousError{Ref: ref, Matches: ids(byPrefix)}
		}
	}

	return types.Node{}, &NotFoundError{Ref: ref}
}

// normalizeName folds case, whitespace, and separator characters so
// "Mac 1", "mac-1", and "mac_1" all name the same node.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_', '.':
			return -1
		}
		return r
	}, s)
}

func ids(nodes []types.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
