package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"supervisor-escalation/pkg/models"
)

// call sends one request and returns the raw response body, or an error built from the
// service's {"error": ...} body.
func call(cmd *cobra.Command, opts *globalOptions, method, path string, body any) (json.RawMessage, error) {
	client := newAPIClient(opts)
	resp, err := client.do(cmd.Context(), method, path, body)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := decodeJSON(resp, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func requestPath(id string, suffix ...string) string {
	return "/requests/" + url.PathEscape(id) + strings.Join(suffix, "")
}

func printRequests(w io.Writer, reqs []models.HelpRequest, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, header("ID")+"\t"+header("STATUS")+"\t"+header("CREATED")+"\t"+header("ROOM")+"\t"+header("QUESTION"))
	for _, r := range reqs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, age(r.CreatedAt, now), r.RoomName, truncate(r.Question, 60))
	}
	tw.Flush()
}

func printEntries(w io.Writer, entries []models.KnowledgeEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, header("ID")+"\t"+header("USES")+"\t"+header("QUESTION")+"\t"+header("ANSWER"))
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.ID, e.UsageCount, truncate(e.Question, 40), truncate(e.Answer, 50))
	}
	tw.Flush()
}

func printRequest(w io.Writer, r *models.HelpRequest) {
	fmt.Fprintf(w, "%s %s\n", header("Request:"), r.ID)
	fmt.Fprintf(w, "%s %s\n", header("Status:"), r.Status)
	fmt.Fprintf(w, "%s %s (%s)\n", header("Caller:"), r.ParticipantIdentity, r.RoomName)
	fmt.Fprintf(w, "%s %s\n", header("Question:"), r.Question)
	if r.SupervisorAnswer != nil {
		fmt.Fprintf(w, "%s %s\n", header("Answer:"), *r.SupervisorAnswer)
	}
	fmt.Fprintf(w, "%s %s\n", header("Created:"), r.CreatedAt.Local().Format(time.RFC1123))
	if r.ResolvedAt != nil {
		fmt.Fprintf(w, "%s %s\n", header("Closed:"), r.ResolvedAt.Local().Format(time.RFC1123))
	} else {
		fmt.Fprintf(w, "%s %s\n", header("Expires:"), r.TimeoutAt.Local().Format(time.RFC1123))
	}
}

// --- requests ---

func newPendingCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List help requests waiting for a supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, opts, "GET", "/requests/pending", nil)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var resp struct {
				Requests []models.HelpRequest `json:"requests"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}
			if len(resp.Requests) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending help requests.")
				return nil
			}
			printRequests(cmd.OutOrStdout(), resp.Requests, time.Now())
			return nil
		},
	}
}

func newRequestsCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List recent help requests of any status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/requests"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}

			raw, err := call(cmd, opts, "GET", path, nil)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var resp struct {
				Requests []models.HelpRequest `json:"requests"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}
			printRequests(cmd.OutOrStdout(), resp.Requests, time.Now())
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of requests (server default when 0)")
	return cmd
}

func newShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one help request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, opts, "GET", requestPath(args[0]), nil)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var req models.HelpRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			printRequest(cmd.OutOrStdout(), &req)
			return nil
		},
	}
}

func newResolveCmd(opts *globalOptions) *cobra.Command {
	var learn bool

	cmd := &cobra.Command{
		Use:   "resolve <id> <answer>",
		Short: "Answer a pending help request",
		Long: `Answer a pending help request. The caller is followed up with the answer.

Examples:
  escalationctl resolve 3f0c... "We open at 9am on Sundays"
  escalationctl resolve 3f0c... "Parking is free after 6pm" --learn`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"answer":           strings.Join(args[1:], " "),
				"add_to_knowledge": learn,
			}

			raw, err := call(cmd, opts, "POST", requestPath(args[0], "/resolve"), body)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var resp struct {
				Request        models.HelpRequest     `json:"request"`
				Entry          *models.KnowledgeEntry `json:"entry"`
				PromotionError string                 `json:"promotion_error"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}

			printSuccess("Resolved %s", resp.Request.ID)
			if resp.Entry != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Added to knowledge base as %s\n", resp.Entry.ID)
			}
			if resp.PromotionError != "" {
				printWarning("Answer was not added to the knowledge base: %s", resp.PromotionError)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&learn, "learn", false, "also add the answer to the knowledge base")
	return cmd
}

func newUnresolveCmd(opts *globalOptions) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "unresolve <id>",
		Short: "Close a pending help request without an answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if note != "" {
				body = map[string]string{"note": note}
			}

			raw, err := call(cmd, opts, "POST", requestPath(args[0], "/unresolve"), body)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var req models.HelpRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			printSuccess("Marked %s as %s", req.ID, req.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "internal note kept on the request")
	return cmd
}

func newSweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending help requests now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, opts, "POST", "/requests/sweep", nil)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var resp struct {
				Expired int `json:"expired"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d help request(s)\n", resp.Expired)
			return nil
		},
	}
}

// --- agent ---

func newEscalateCmd(opts *globalOptions) *cobra.Command {
	var room, participant string

	cmd := &cobra.Command{
		Use:   "escalate <question>",
		Short: "Ask a question the way the voice agent does",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"question":             strings.Join(args, " "),
				"room_name":            room,
				"participant_identity": participant,
			}

			raw, err := call(cmd, opts, "POST", "/escalations", body)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var outcome models.EscalationOutcome
			if err := json.Unmarshal(raw, &outcome); err != nil {
				return err
			}
			switch outcome.Kind {
			case models.OutcomeAnswered:
				fmt.Fprintf(cmd.OutOrStdout(), "Answered from knowledge base: %s\n", outcome.Answer)
			case models.OutcomeEscalated:
				fmt.Fprintf(cmd.OutOrStdout(), "Escalated to a supervisor as request %s\n", outcome.Request.ID)
			default:
				return fmt.Errorf("unexpected outcome %q", outcome.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "caller room name")
	cmd.Flags().StringVar(&participant, "participant", "", "caller participant identity")
	return cmd
}

// --- knowledge base ---

func newKnowledgeCmd(opts *globalOptions) *cobra.Command {
	kb := &cobra.Command{
		Use:     "kb",
		Aliases: []string{"knowledge"},
		Short:   "Manage the knowledge base",
	}
	kb.AddCommand(newKnowledgeListCmd(opts), newKnowledgeSearchCmd(opts), newKnowledgeAddCmd(opts))
	return kb
}

func newKnowledgeListCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge entries, most used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/knowledge"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}

			raw, err := call(cmd, opts, "GET", path, nil)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var resp struct {
				Entries []models.KnowledgeEntry `json:"entries"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}
			if len(resp.Entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Knowledge base is empty.")
				return nil
			}
			printEntries(cmd.OutOrStdout(), resp.Entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries (server default when 0)")
	return cmd
}

func newKnowledgeSearchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <question>",
		Short: "Show which entry the agent would answer a question with",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"q": {strings.Join(args, " ")}}

			raw, err := call(cmd, opts, "GET", "/knowledge/search?"+query.Encode(), nil)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var resp struct {
				Match *models.KnowledgeEntry `json:"match"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}
			if resp.Match == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No match. The agent would escalate this question.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n%s %s\n", header("Matched:"), resp.Match.Question, header("Answer:"), resp.Match.Answer)
			return nil
		},
	}
}

func newKnowledgeAddCmd(opts *globalOptions) *cobra.Command {
	var question, answer, source string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a knowledge entry",
		Long: `Add a knowledge entry.

Examples:
  escalationctl kb add --question "Do you take walk-ins?" --answer "Yes, until 5pm"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(question) == "" || strings.TrimSpace(answer) == "" {
				return fmt.Errorf("--question and --answer are required")
			}

			body := map[string]any{"question": question, "answer": answer}
			if source != "" {
				body["source_request_id"] = source
			}

			raw, err := call(cmd, opts, "POST", "/knowledge", body)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var entry models.KnowledgeEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			printSuccess("Added knowledge entry %s", entry.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&question, "question", "", "question as callers phrase it")
	cmd.Flags().StringVar(&answer, "answer", "", "answer the agent should give")
	cmd.Flags().StringVar(&source, "source", "", "help request the answer came from")
	return cmd
}

// --- service ---

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := call(cmd, opts, "GET", "/status", nil)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			var status struct {
				PodID           string `json:"pod_id"`
				StoreBackend    string `json:"store_backend"`
				IsLeader        bool   `json:"is_leader"`
				PendingRequests int    `json:"pending_requests"`
			}
			if err := json.Unmarshal(raw, &status); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", header("Pod:"), status.PodID)
			fmt.Fprintf(w, "%s %s\n", header("Store:"), status.StoreBackend)
			fmt.Fprintf(w, "%s %t\n", header("Sweeper leader:"), status.IsLeader)
			fmt.Fprintf(w, "%s %d\n", header("Pending requests:"), status.PendingRequests)
			return nil
		},
	}
}
