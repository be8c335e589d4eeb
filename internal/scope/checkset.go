package scope

import (
	"sort"
	"strings"
)

// ChecksetPolicy selects the doctor command to run after a turn, based
// on which components the turn actually touched.
type ChecksetPolicy struct {
	// MaxComponentsForScoped caps how many per-component commands may
	// be joined before falling back to the full doctor.
	MaxComponentsForScoped int
	// FallbackCommand is the project-wide doctor command.
	FallbackCommand string
}

// SelectDoctor picks a doctor command for a scope result. Scoped
// per-component commands are joined with "&&" in component order when
// the touched set is small and fully covered; anything surprising
// (unmapped files, missing commands, too many components) falls back
// to the full command.
func (p ChecksetPolicy) SelectDoctor(res *Result, graph GraphModel) string {
	if res == nil || res.Status == StatusUnmapped {
		return p.FallbackCommand
	}
	if len(res.TouchedComponents) == 0 || len(res.TouchedComponents) > p.MaxComponentsForScoped {
		return p.FallbackCommand
	}

	components := append([]string(nil), res.TouchedComponents...)
	sort.Strings(components)

	var commands []string
	for _, c := range components {
		cmd, ok := graph.DoctorCommand(c)
		if !ok || cmd == "" {
			return p.FallbackCommand
		}
		commands = append(commands, cmd)
	}
	return strings.Join(commands, " && ")
}
