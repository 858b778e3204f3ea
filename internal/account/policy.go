package account

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	ObjectAccounts = "accounts"

	ActionList    = "list"
	ActionSearch  = "search"
	ActionApprove = "approve"
)

// Policy decides which token abilities may run directory operations. Nothing
// is granted unless a rule names it.
type Policy struct {
	enforcer *casbin.Enforcer
}

// NewPolicy builds a Policy from "ability:object:action" rules.
func NewPolicy(rules []string) (*Policy, error) {
	m := model.NewModel()
	m.AddDef("r", "r", "sub, obj, act")
	m.AddDef("p", "p", "sub, obj, act")
	m.AddDef("e", "e", "some(where (p.eft == allow))")
	m.AddDef("m", "m", "r.sub == p.sub && r.obj == p.obj && r.act == p.act")

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("creating enforcer: %w", err)
	}

	for _, rule := range rules {
		parts := strings.Split(rule, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid policy rule %q: want ability:object:action", rule)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] == "" {
				return nil, fmt.Errorf("invalid policy rule %q: empty element", rule)
			}
		}
		if _, err := e.AddPolicy(parts[0], parts[1], parts[2]); err != nil {
			return nil, fmt.Errorf("adding policy rule %q: %w", rule, err)
		}
	}

	return &Policy{enforcer: e}, nil
}

// Allowed reports whether any of the abilities is granted action on object.
func (p *Policy) Allowed(abilities []string, object, action string) bool {
	if p == nil {
		return false
	}
	for _, ability := range abilities {
		ok, err := p.enforcer.Enforce(ability, object, action)
		if err == nil && ok {
			return true
		}
	}
	return false
}
