package rule

import (
	"fmt"
	"strings"
)

// DomainParam is one domain pattern. A wildcard pattern matches every
// proper subdomain of Name.
type DomainParam struct {
	Name     string
	Wildcard bool
}

// ParseDomainParam accepts "example.com" or "*.example.com".
func ParseDomainParam(s string) DomainParam {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "*."); ok {
		return DomainParam{Name: rest, Wildcard: true}
	}
	return DomainParam{Name: s}
}

func (d DomainParam) String() string {
	if d.Wildcard {
		return "*." + d.Name
	}
	return d.Name
}

// DomainRule allows or denies a set of domains for one user, optionally
// narrowed to one application (AppUID zero applies to every app).
type DomainRule struct {
	Name    string
	UserID  uint32
	AppUID  uint32
	Action  Action
	Domains []DomainParam
}

// Validate checks the action and that every domain is non-empty.
func (r *DomainRule) Validate() error {
	if !r.Action.Valid() {
		return fmt.Errorf("domain rule %q: invalid action %d", r.Name, r.Action)
	}
	for _, d := range r.Domains {
		if d.Name == "" {
			return fmt.Errorf("domain rule %q: empty domain", r.Name)
		}
	}
	return nil
}

// CheckDomainLimits rejects domain rule sets with more than
// MaxDomainRules domains in total.
func CheckDomainLimits(rules []DomainRule) error {
	n := 0
	for i := range rules {
		n += len(rules[i].Domains)
	}
	if n > MaxDomainRules {
		return fmt.Errorf("%w: %d domains (max %d)", ErrTooManyRules, n, MaxDomainRules)
	}
	return nil
}

// Kind selects which rule class a clear operation removes.
type Kind uint8

const (
	KindIP Kind = iota + 1
	KindDomain
	KindDefaultAction
	KindAll
)

func (k Kind) String() string {
	switch k {
	case KindIP:
		return "ip"
	case KindDomain:
		return "domain"
	case KindDefaultAction:
		return "default-action"
	case KindAll:
		return "all"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind parses the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindIP, KindDomain, KindDefaultAction, KindAll} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown rule kind %q", s)
}
