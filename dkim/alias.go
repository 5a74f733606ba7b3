package dkim

import (
	"fmt"
	"strings"
)

// Aliases maps a domain to the domain whose key signs its mail. It is
// flat: every value is a domain that is not itself aliased.
type Aliases map[string]string

// ParseAliases reads "domain signing-domain" lines. Blank lines and lines
// starting with '#' are skipped.
func ParseAliases(lines []string) (map[string]string, error) {
	edges := make(map[string]string)
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("dkim: alias line %d: want \"domain signing-domain\"", i+1)
		}
		from := strings.ToLower(fields[0])
		if _, dup := edges[from]; dup {
			return nil, fmt.Errorf("dkim: alias line %d: %s aliased twice", i+1, from)
		}
		edges[from] = strings.ToLower(fields[1])
	}
	return edges, nil
}

// ResolveAliases follows every alias chain to its end once, so lookups
// never walk chains. A chain that revisits a domain, including a domain
// aliased to itself, fails with ErrAliasCycle.
func ResolveAliases(edges map[string]string) (Aliases, error) {
	out := make(Aliases, len(edges))
	for from := range edges {
		seen := map[string]bool{from: true}
		target := edges[from]
		for {
			if seen[target] {
				return nil, fmt.Errorf("%w: %s -> %s", ErrAliasCycle, from, target)
			}
			seen[target] = true
			next, ok := edges[target]
			if !ok {
				break
			}
			target = next
		}
		out[from] = target
	}
	return out, nil
}

// SigningDomain returns the domain whose key signs mail from domain.
func (a Aliases) SigningDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if target, ok := a[domain]; ok {
		return target
	}
	return domain
}
