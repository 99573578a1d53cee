package hooks

import (
	"fmt"
	"sort"

	"github.com/h1v3-io/taskpilot/internal/sanitize"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// EnvPrefix prefixes every variable handed to shell hooks.
const EnvPrefix = "TASKPILOT_"

// Context carries the values exposed to a hook. Only non-empty fields are
// exported. Extra holds operator metadata; its keys are normalised with
// sanitize.EnvKey and its values stripped like every other string.
type Context struct {
	TicketID     string
	TicketTitle  string
	TicketStatus protocol.TicketStatus
	PlanPath     string
	PlanText     string
	Error        string
	Question     string
	QuestionID   string
	Extra        map[string]string
}

// Env renders the context as KEY=value pairs. It fails if the ticket id does
// not pass sanitize.TicketID.
func (c Context) Env() ([]string, error) {
	var env []string
	add := func(key, val string) {
		if val == "" {
			return
		}
		env = append(env, EnvPrefix+key+"="+sanitize.StripControl(val))
	}

	if c.TicketID != "" {
		if err := sanitize.TicketID(c.TicketID); err != nil {
			return nil, fmt.Errorf("hooks: context: %w", err)
		}
		env = append(env, EnvPrefix+"TICKET_ID="+c.TicketID)
	}
	add("TICKET_TITLE", c.TicketTitle)
	add("TICKET_STATUS", string(c.TicketStatus))
	add("PLAN_PATH", c.PlanPath)
	add("PLAN", c.PlanText)
	add("ERROR", c.Error)
	add("QUESTION", c.Question)
	add("QUESTION_ID", c.QuestionID)

	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if ek := sanitize.EnvKey(k); ek != "" {
			add("META_"+ek, c.Extra[k])
		}
	}
	return env, nil
}
