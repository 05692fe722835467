package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/ward/internal/readiness"
	"github.com/loykin/ward/internal/unit"
)

// ConfigError marks a structurally invalid unit set: duplicate ids,
// unresolved depends_on references, or dependency cycles. It is always
// detected at load time, before any unit starts.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// gate is the resolved form of a unit's depends_on reference.
type gate struct {
	unitID string           // wait for this unit to reach running
	check  *readiness.Check // or wait for this check to report ready
}

// resolveGraph validates the unit set and resolves every depends_on
// reference against unit ids and check names. Unit ids win over check
// names; ambiguity between the two namespaces is rejected outright.
func resolveGraph(units []unit.Spec, checks []readiness.Check) (map[string]gate, error) {
	byID := make(map[string]*unit.Spec, len(units))
	for i := range units {
		u := &units[i]
		if err := u.Validate(); err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
		if _, dup := byID[u.ID]; dup {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate unit id %q", u.ID)}
		}
		byID[u.ID] = u
	}
	byCheck := make(map[string]readiness.Check, len(checks))
	for _, c := range checks {
		if err := c.Validate(); err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
		if _, dup := byCheck[c.Name]; dup {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate check name %q", c.Name)}
		}
		byCheck[c.Name] = c
	}

	gates := make(map[string]gate, len(units))
	for _, u := range units {
		dep := strings.TrimSpace(u.DependsOn)
		if dep == "" {
			continue
		}
		if dep == u.ID {
			return nil, &ConfigError{Reason: fmt.Sprintf("unit %q depends on itself", u.ID)}
		}
		_, isUnit := byID[dep]
		c, isCheck := byCheck[dep]
		switch {
		case isUnit && isCheck:
			return nil, &ConfigError{Reason: fmt.Sprintf("unit %q: depends_on %q names both a unit and a check", u.ID, dep)}
		case isUnit:
			gates[u.ID] = gate{unitID: dep}
		case isCheck:
			cc := c
			gates[u.ID] = gate{check: &cc}
		default:
			return nil, &ConfigError{Reason: fmt.Sprintf("unit %q: depends_on %q matches no unit or check", u.ID, dep)}
		}
	}

	if cycle := findCycle(units, gates); cycle != nil {
		return nil, &ConfigError{Reason: "dependency cycle: " + strings.Join(cycle, " -> ")}
	}
	return gates, nil
}

// findCycle runs a three-color DFS over unit-to-unit edges and returns the
// ids of one cycle, or nil. Check gates are leaves and cannot form cycles.
func findCycle(units []unit.Spec, gates map[string]gate) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(units))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		if g, ok := gates[id]; ok && g.unitID != "" {
			switch color[g.unitID] {
			case gray:
				// close the loop for the error message
				i := 0
				for ; i < len(stack); i++ {
					if stack[i] == g.unitID {
						break
					}
				}
				return append(append([]string{}, stack[i:]...), g.unitID)
			case white:
				if c := visit(g.unitID); c != nil {
					return c
				}
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, u := range units {
		if color[u.ID] == white {
			if c := visit(u.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
