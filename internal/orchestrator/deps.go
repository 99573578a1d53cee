package orchestrator

import (
	"fmt"
	"strings"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// DependencyError reports a ticket graph that can never be fully scheduled.
// Either Dependency names an unknown ticket or Cycle lists the ids forming a
// cycle, starting and ending at the same ticket.
type DependencyError struct {
	TicketID   string
	Dependency string
	Cycle      []string
}

func (e *DependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("orchestrator: dependency cycle: %s", strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("orchestrator: ticket %q depends on unknown ticket %q", e.TicketID, e.Dependency)
}

// Order returns the tickets in execution order: every ticket after its
// dependencies, ties broken by higher priority and then by declaration
// order. The input slice is not modified.
func Order(tickets []*protocol.Ticket) ([]*protocol.Ticket, error) {
	index := make(map[string]int, len(tickets))
	for i, t := range tickets {
		index[t.ID] = i
	}

	indegree := make([]int, len(tickets))
	dependents := make([][]int, len(tickets))
	for i, t := range tickets {
		for _, dep := range t.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, &DependencyError{TicketID: t.ID, Dependency: dep}
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i := range tickets {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]*protocol.Ticket, 0, len(tickets))
	for len(ready) > 0 {
		best := 0
		for k := 1; k < len(ready); k++ {
			if before(tickets, ready[k], ready[best]) {
				best = k
			}
		}
		i := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, tickets[i])

		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) < len(tickets) {
		return nil, &DependencyError{Cycle: findCycle(tickets, index, indegree)}
	}
	return order, nil
}

func before(tickets []*protocol.Ticket, a, b int) bool {
	if tickets[a].Priority != tickets[b].Priority {
		return tickets[a].Priority > tickets[b].Priority
	}
	return a < b
}

// findCycle walks dependency edges among the tickets Kahn's algorithm could
// not place until a ticket repeats.
func findCycle(tickets []*protocol.Ticket, index map[string]int, indegree []int) []string {
	start := -1
	for i := range tickets {
		if indegree[i] > 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	seen := map[int]int{}
	var path []int
	for cur := start; ; {
		if pos, ok := seen[cur]; ok {
			ids := make([]string, 0, len(path)-pos+1)
			for _, i := range path[pos:] {
				ids = append(ids, tickets[i].ID)
			}
			return append(ids, tickets[cur].ID)
		}
		seen[cur] = len(path)
		path = append(path, cur)

		next := -1
		for _, dep := range tickets[cur].Dependencies {
			if j := index[dep]; indegree[j] > 0 {
				next = j
				break
			}
		}
		if next < 0 {
			return []string{tickets[cur].ID}
		}
		cur = next
	}
}

// blocked reports whether t waits on a dependency that ended without
// completing and so can never become eligible.
func blocked(t *protocol.Ticket, byID map[string]*protocol.Ticket) bool {
	for _, dep := range t.Dependencies {
		if d, ok := byID[dep]; ok && (d.Status == protocol.TicketFailed || d.Status == protocol.TicketSkipped) {
			return true
		}
	}
	return false
}

// eligible reports whether every dependency of t has completed.
func eligible(t *protocol.Ticket, byID map[string]*protocol.Ticket) bool {
	for _, dep := range t.Dependencies {
		if d, ok := byID[dep]; !ok || d.Status != protocol.TicketCompleted {
			return false
		}
	}
	return true
}
