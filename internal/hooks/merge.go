package hooks

import "github.com/h1v3-io/taskpilot/pkg/protocol"

// Merge combines global and ticket hooks. For each known event the lists are
// concatenated, global first. Events present in neither input are left out.
func Merge(global, ticket protocol.Hooks) protocol.Hooks {
	out := protocol.Hooks{}
	for _, ev := range protocol.HookEvents {
		g, gok := global[ev]
		t, tok := ticket[ev]
		if !gok && !tok {
			continue
		}
		merged := make([]protocol.HookAction, 0, len(g)+len(t))
		merged = append(merged, g...)
		merged = append(merged, t...)
		out[ev] = merged
	}
	return out
}
