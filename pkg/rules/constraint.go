package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/stackman/pkg/types"
)

// Bound is one side of a constraint
type Bound struct {
	N   int
	Odd bool // "odd"
	All bool // "+"
}

// Constraint is a parsed component host-count restriction
//
//	[]         any number of hosts
//	[n]        exactly n
//	[+]        every host of the cluster
//	[odd]      an odd number
//	[min,max]  between min and max
//	[min,+]    at least min
//	[min,odd]  at least min and odd (zero allowed when min is 0)
type Constraint struct {
	Raw  types.Constraint
	Min  *Bound
	Max  *Bound
	Size int
}

func parseBound(s string) (Bound, error) {
	switch strings.TrimSpace(s) {
	case "+":
		return Bound{All: true}, nil
	case "odd":
		return Bound{Odd: true}, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return Bound{}, fmt.Errorf("invalid constraint value %q", s)
	}
	return Bound{N: n}, nil
}

// ParseConstraint validates a bundle constraint
func ParseConstraint(raw types.Constraint) (Constraint, error) {
	c := Constraint{Raw: raw, Size: len(raw)}
	switch len(raw) {
	case 0:
		return c, nil
	case 1:
		b, err := parseBound(raw[0])
		if err != nil {
			return c, err
		}
		c.Min = &b
		return c, nil
	case 2:
		lo, err := parseBound(raw[0])
		if err != nil {
			return c, err
		}
		if lo.All || lo.Odd {
			return c, fmt.Errorf("constraint lower bound must be a number, got %q", raw[0])
		}
		hi, err := parseBound(raw[1])
		if err != nil {
			return c, err
		}
		if !hi.All && !hi.Odd && hi.N < lo.N {
			return c, fmt.Errorf("constraint upper bound %d is below lower bound %d", hi.N, lo.N)
		}
		c.Min, c.Max = &lo, &hi
		return c, nil
	}
	return c, fmt.Errorf("constraint must have at most two values, got %d", len(raw))
}

// String renders the constraint the way bundles write it
func (c Constraint) String() string {
	if c.Size == 0 {
		return "[0,+]"
	}
	return "[" + strings.Join(c.Raw, ",") + "]"
}

// Check reports whether count hosts satisfy the constraint in a cluster with
// clusterHosts bound hosts. The returned message describes the violation.
func (c Constraint) Check(count, clusterHosts int) (bool, string) {
	switch c.Size {
	case 0:
		return true, ""
	case 1:
		b := *c.Min
		switch {
		case b.All:
			if count != clusterHosts {
				return false, fmt.Sprintf("should be installed on all %d hosts of the cluster", clusterHosts)
			}
		case b.Odd:
			if count%2 == 0 {
				return false, "should be installed on an odd number of hosts"
			}
		default:
			if count != b.N {
				return false, fmt.Sprintf("should be installed on exactly %d hosts", b.N)
			}
		}
		return true, ""
	}

	lo, hi := *c.Min, *c.Max
	if count < lo.N {
		return false, fmt.Sprintf("should be installed on at least %d hosts", lo.N)
	}
	switch {
	case hi.All:
	case hi.Odd:
		if count%2 == 0 && !(count == 0 && lo.N == 0) {
			return false, "should be installed on an odd number of hosts"
		}
	default:
		if count > hi.N {
			return false, fmt.Sprintf("should be installed on at most %d hosts", hi.N)
		}
	}
	return true, ""
}
