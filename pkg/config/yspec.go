package config

import (
	"fmt"
	"slices"
	"sort"
)

// Schema is a parsed yspec: named rules, validation starting at "root".
//
//	root:
//	  match: list
//	  item: country
//	country:
//	  match: dict
//	  items:
//	    name: string
//	    code: integer
//	  required_items: [name]
//	string:
//	  match: string
//	integer:
//	  match: int
type Schema struct {
	rules map[string]*yrule
}

type yrule struct {
	match         string
	item          string
	items         map[string]string
	requiredItems []string
	defaultItem   string
	variants      []string
}

var yspecMatches = []string{"list", "dict", "string", "int", "float", "bool", "one_of", "any"}

// ParseYSpec validates the rule graph of a yspec
func ParseYSpec(raw map[string]any) (*Schema, error) {
	if _, ok := raw["root"]; !ok {
		return nil, fmt.Errorf("yspec has no root rule")
	}
	s := &Schema{rules: map[string]*yrule{}}
	for name, def := range raw {
		m, ok := def.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("yspec rule %q must be a map", name)
		}
		r := &yrule{items: map[string]string{}}
		r.match, _ = m["match"].(string)
		if !slices.Contains(yspecMatches, r.match) {
			return nil, fmt.Errorf("yspec rule %q has unknown match %q", name, r.match)
		}
		r.item, _ = m["item"].(string)
		r.defaultItem, _ = m["default_item"].(string)
		if items, ok := m["items"].(map[string]any); ok {
			for k, v := range items {
				ref, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("yspec rule %q item %q must name a rule", name, k)
				}
				r.items[k] = ref
			}
		}
		r.requiredItems = stringList(m["required_items"])
		r.variants = stringList(m["variants"])
		if r.match == "list" && r.item == "" {
			return nil, fmt.Errorf("yspec rule %q: list requires item", name)
		}
		if r.match == "one_of" && len(r.variants) == 0 {
			return nil, fmt.Errorf("yspec rule %q: one_of requires variants", name)
		}
		s.rules[name] = r
	}

	for name, r := range s.rules {
		refs := append([]string{r.item, r.defaultItem}, r.variants...)
		for _, ref := range r.items {
			refs = append(refs, ref)
		}
		for _, ref := range refs {
			if ref != "" && s.rules[ref] == nil {
				return nil, fmt.Errorf("yspec rule %q references unknown rule %q", name, ref)
			}
		}
		for _, key := range r.requiredItems {
			if _, ok := r.items[key]; !ok {
				return nil, fmt.Errorf("yspec rule %q requires undeclared item %q", name, key)
			}
		}
	}
	return s, nil
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks a value against the root rule. The error names the
// offending path inside the value.
func (s *Schema) Validate(v any) error {
	return s.check("root", v, "")
}

func (s *Schema) check(rule string, v any, path string) error {
	r := s.rules[rule]
	at := path
	if at == "" {
		at = "/"
	}
	switch r.match {
	case "any":
		return nil
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%s: expected string", at)
		}
	case "int":
		f, ok := toFloat(v)
		if !ok || !isInteger(f) {
			return fmt.Errorf("%s: expected integer", at)
		}
	case "float":
		if _, ok := toFloat(v); !ok {
			return fmt.Errorf("%s: expected number", at)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", at)
		}
	case "list":
		list, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected list", at)
		}
		for i, item := range list {
			if err := s.check(r.item, item, fmt.Sprintf("%s/%d", path, i)); err != nil {
				return err
			}
		}
	case "dict":
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected map", at)
		}
		for _, key := range r.requiredItems {
			if _, ok := m[key]; !ok {
				return fmt.Errorf("%s: missing required key %q", at, key)
			}
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ref, ok := r.items[k]
			if !ok {
				ref = r.defaultItem
			}
			if ref == "" {
				return fmt.Errorf("%s: unexpected key %q", at, k)
			}
			if err := s.check(ref, m[k], path+"/"+k); err != nil {
				return err
			}
		}
	case "one_of":
		for _, variant := range r.variants {
			if s.check(variant, v, path) == nil {
				return nil
			}
		}
		return fmt.Errorf("%s: value matches none of %v", at, r.variants)
	}
	return nil
}
