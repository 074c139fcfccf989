package policy

import (
	"github.com/bmatcuk/doublestar/v4"
)

// InScope reports whether a vertex namespace falls inside the policy's domain
// scopes. Scopes are glob patterns over namespace paths, e.g. "ops/**" or
// "finance/reports". A malformed pattern never matches.
func (p *Policy) InScope(namespace string) bool {
	for _, scope := range p.DomainScopes {
		ok, err := doublestar.Match(scope, namespace)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// SharesNamespace reports whether the actor's namespaces intersect the given
// vertex namespaces.
func (p *Policy) SharesNamespace(namespaces []string) bool {
	for _, actorNS := range p.Namespaces {
		for _, vertexNS := range namespaces {
			if actorNS == vertexNS {
				return true
			}
		}
	}
	return false
}
