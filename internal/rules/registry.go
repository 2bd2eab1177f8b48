package rules

import (
	"fmt"
	"sort"
)

type Registry struct {
	rules map[string]Rule
}

func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(rule Rule) error {
	name := rule.IdentifyingName()
	if name == "" {
		return fmt.Errorf("rule with empty identifying name")
	}
	if _, ok := r.rules[name]; ok {
		return fmt.Errorf("rule %s registered twice", name)
	}
	r.rules[name] = rule
	return nil
}

func (r *Registry) Lookup(name string) (Rule, bool) {
	rule, ok := r.rules[name]
	return rule, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
