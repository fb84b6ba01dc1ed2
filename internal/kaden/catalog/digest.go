package catalog

import (
	"fmt"
	"strings"
)

// DefaultPerDomain caps how many entities of one domain a digest lists.
const DefaultPerDomain = 20

// Digest renders entities grouped by domain for inclusion in a prompt.
// Only the given domains are listed (all when empty); each domain shows at
// most perDomain entities followed by a count of the rest.
func (s *Snapshot) Digest(domains []string, perDomain int) string {
	if perDomain <= 0 {
		perDomain = DefaultPerDomain
	}
	if len(domains) == 0 {
		domains = s.Domains()
	}

	var b strings.Builder
	for _, d := range domains {
		ents := s.InDomains(d)
		if len(ents) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", d)
		for i, e := range ents {
			if i == perDomain {
				fmt.Fprintf(&b, "  ... and %d more\n", len(ents)-perDomain)
				break
			}
			fmt.Fprintf(&b, "  - %s: %s", e.ID, e.Name)
			if e.AreaID != "" {
				fmt.Fprintf(&b, " (Area: %s)", s.AreaName(e.AreaID))
			}
			b.WriteByte('\n')
		}
	}
	if b.Len() == 0 {
		return "(no entities)\n"
	}
	return b.String()
}

// AreaDigest lists the areas, one per line.
func (s *Snapshot) AreaDigest() string {
	if len(s.areas) == 0 {
		return "(no areas)\n"
	}
	var b strings.Builder
	for _, a := range s.areas {
		fmt.Fprintf(&b, "- %s (%s)\n", a.Name, a.ID)
	}
	return b.String()
}
