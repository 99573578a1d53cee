package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/taskpilot/internal/api"
	"github.com/h1v3-io/taskpilot/internal/config"
	"github.com/h1v3-io/taskpilot/internal/ticket"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "status":
		cmdStatus()
	case "tickets":
		if len(args) < 1 {
			fatalUsage("usage: taskpilotctl tickets <list|show|reset>")
		}
		switch args[0] {
		case "list":
			cmdTicketsList(args[1:])
		case "show":
			if len(args) < 2 {
				fatalUsage("usage: taskpilotctl tickets show <id>")
			}
			cmdTicketsShow(args[1])
		case "reset":
			if len(args) < 2 {
				fatalUsage("usage: taskpilotctl tickets reset <id>")
			}
			cmdPost("/api/tickets/"+url.PathEscape(args[1])+"/reset", nil)
		default:
			fatalUsage(fmt.Sprintf("unknown tickets subcommand: %s", args[0]))
		}
	case "pending":
		cmdPending()
	case "approve":
		cmdDecide(args, true)
	case "reject":
		cmdDecide(args, false)
	case "answer":
		cmdAnswer(args)
	case "cancel":
		cmdCancel(args)
	case "pause":
		cmdPost("/api/pause", nil)
	case "resume":
		cmdPost("/api/resume", nil)
	case "logs":
		cmdLogs(args)
	case "config":
		if len(args) < 2 || args[0] != "validate" {
			fatalUsage("usage: taskpilotctl config validate <path>")
		}
		cmdConfigValidate(args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- Commands ---

func cmdHealth() {
	body, err := apiDo("GET", "/api/health", nil)
	exitOn(err)
	fmt.Println(string(body))
}

func cmdStatus() {
	body, err := apiDo("GET", "/api/status", nil)
	exitOn(err)
	var st api.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Println(prettyJSON(body))
		return
	}

	state := "idle"
	switch {
	case st.Running:
		state = "running"
	case st.Paused:
		state = "paused"
	}
	fmt.Printf("queue:    %s\n", state)
	if st.CurrentTicket != "" {
		fmt.Printf("current:  %s (%s)\n", st.CurrentTicket, st.Phase)
	}
	if st.Running && st.Paused {
		fmt.Println("pause:    requested, takes effect before the next ticket")
	}
	fmt.Printf("pending:  %d question(s)\n", st.PendingQuestions)
	for _, s := range protocol.TicketStatuses {
		if n := st.Counts[s]; n > 0 {
			fmt.Printf("  %-18s %d\n", s, n)
		}
	}
	if len(st.Recent) > 0 {
		fmt.Println()
		for _, u := range st.Recent {
			fmt.Printf("%s %-26s %-10s %s\n", u.Timestamp.Local().Format("15:04:05"), u.Event, u.TicketID, u.Message)
		}
	}
}

func cmdTicketsList(args []string) {
	fs := flag.NewFlagSet("tickets list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (pending|planning|awaiting_approval|approved|executing|completed|failed|skipped)")
	query := fs.String("q", "", "Text search on id and title")
	limit := fs.Int("limit", 0, "Max tickets (0 = all)")
	fs.Parse(args)

	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *query != "" {
		q.Set("q", *query)
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	path := "/api/tickets"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	body, err := apiDo("GET", path, nil)
	exitOn(err)

	var recs []ticket.Record
	if err := json.Unmarshal(body, &recs); err != nil {
		fmt.Println(prettyJSON(body))
		return
	}
	for _, r := range recs {
		fmt.Printf("%-16s %-18s %3d  %2d try  $%7.2f  %s\n", r.ID, r.Status, r.Priority, r.Attempts, r.CostUSD, r.Title)
	}
}

func cmdTicketsShow(id string) {
	body, err := apiDo("GET", "/api/tickets/"+url.PathEscape(id), nil)
	exitOn(err)
	fmt.Println(prettyJSON(body))
}

func cmdPending() {
	body, err := apiDo("GET", "/api/pending", nil)
	exitOn(err)
	var p api.Pending
	if err := json.Unmarshal(body, &p); err != nil {
		fmt.Println(prettyJSON(body))
		return
	}
	if len(p.Plans) == 0 && len(p.Questions) == 0 {
		fmt.Println("nothing pending")
		return
	}
	for _, pl := range p.Plans {
		fmt.Printf("plan      %s  %s  %s\n", pl.RequestID, pl.TicketID, pl.TicketTitle)
		fmt.Println(indent(pl.Plan))
	}
	for _, q := range p.Questions {
		fmt.Printf("question  %s  %s  %s\n", q.RequestID, q.TicketID, q.Question)
		for i, o := range q.Options {
			fmt.Printf("          %d. %s\n", i+1, o)
		}
	}
}

func cmdDecide(args []string, approved bool) {
	name := "reject"
	if approved {
		name = "approve"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	feedback := fs.String("feedback", "", "Feedback recorded with the decision")
	by := fs.String("by", envOr("USER", ""), "Name recorded as the responder")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalUsage(fmt.Sprintf("usage: taskpilotctl %s [-feedback text] <request-id>", name))
	}

	payload, _ := json.Marshal(api.ApprovalRequest{Approved: &approved, Feedback: *feedback, By: *by})
	cmdPost("/api/approvals/"+url.PathEscape(fs.Arg(0)), payload)
}

func cmdAnswer(args []string) {
	fs := flag.NewFlagSet("answer", flag.ExitOnError)
	by := fs.String("by", envOr("USER", ""), "Name recorded as the responder")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fatalUsage("usage: taskpilotctl answer <request-id> <answer...>")
	}

	answer := strings.Join(fs.Args()[1:], " ")
	payload, _ := json.Marshal(api.AnswerRequest{Answer: answer, By: *by})
	cmdPost("/api/questions/"+url.PathEscape(fs.Arg(0)), payload)
}

func cmdCancel(args []string) {
	if len(args) != 2 || (args[0] != "approval" && args[0] != "question") {
		fatalUsage("usage: taskpilotctl cancel <approval|question> <request-id>")
	}
	body, err := apiDo("DELETE", "/api/"+args[0]+"s/"+url.PathEscape(args[1]), nil)
	exitOn(err)
	fmt.Println(string(bytes.TrimSpace(body)))
}

func cmdPost(path string, payload []byte) {
	body, err := apiDo("POST", path, payload)
	exitOn(err)
	fmt.Println(string(bytes.TrimSpace(body)))
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	ticketID := fs.String("ticket", "", "Only entries for this ticket")
	level := fs.String("level", "", "Minimum level (info|warn|error)")
	limit := fs.Int("limit", 100, "Max entries")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	if *ticketID != "" {
		q.Set("ticket", *ticketID)
	}
	if *level != "" {
		q.Set("level", *level)
	}
	body, err := apiDo("GET", "/api/logs?"+q.Encode(), nil)
	exitOn(err)

	var entries []struct {
		Time    time.Time      `json:"time"`
		Level   string         `json:"level"`
		Message string         `json:"message"`
		Ticket  string         `json:"ticket"`
		Attrs   map[string]any `json:"attrs"`
	}
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		fmt.Printf("%s %-5s %-10s %s", e.Time.Local().Format("15:04:05"), e.Level, e.Ticket, e.Message)
		for k, v := range e.Attrs {
			if k == "ticket" {
				continue
			}
			fmt.Printf(" %s=%v", k, v)
		}
		fmt.Println()
	}
}

func cmdConfigValidate(path string) {
	f, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config is valid (%d tickets)\n", len(f.Tickets))
}

// --- Helpers ---

// apiDo sends a request to the daemon, signing it when TASKPILOT_API_SECRET is set.
func apiDo(method, path string, payload []byte) ([]byte, error) {
	base := strings.TrimSuffix(envOr("TASKPILOT_API_URL", "http://127.0.0.1:8080"), "/")

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret := os.Getenv("TASKPILOT_API_SECRET"); secret != "" {
		if err := api.SignRequest(req, secret, time.Now()); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func fatalUsage(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("taskpilotctl - ticket queue admin CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                      Check daemon health")
	fmt.Println("  status                      Show queue status and recent events")
	fmt.Println("  tickets list                List ledger records (-status, -q, -limit)")
	fmt.Println("  tickets show <id>           Show ticket, ledger record and log")
	fmt.Println("  tickets reset <id>          Put a ticket back to pending")
	fmt.Println("  pending                     List plans and questions awaiting a human")
	fmt.Println("  approve <request-id>        Approve a plan (-feedback, -by)")
	fmt.Println("  reject <request-id>         Reject a plan (-feedback, -by)")
	fmt.Println("  answer <request-id> <text>  Answer an agent question")
	fmt.Println("  cancel approval|question <request-id>")
	fmt.Println("                              Fail a waiting request")
	fmt.Println("  pause                       Stop before the next ticket")
	fmt.Println("  resume                      Clear a pause and restart the queue")
	fmt.Println("  logs                        Show daemon logs (-ticket, -level, -limit)")
	fmt.Println("  config validate <path>      Validate a ticket file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TASKPILOT_API_URL     Daemon URL (default: http://127.0.0.1:8080)")
	fmt.Println("  TASKPILOT_API_SECRET  Shared secret used to sign requests")
}
