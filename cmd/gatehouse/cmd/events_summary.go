package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ---------------------------------------------------------------------------
// Local types matching the server's JSON audit log lines (mirrors the
// api audit logger output without importing the api package and its
// heavy dependency chain).
// ---------------------------------------------------------------------------

type auditRecord struct {
	Msg       string `json:"msg"`
	Event     string `json:"event"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Summary result types
// ---------------------------------------------------------------------------

type actorCount struct {
	ActorID string `json:"actor_id"`
	Count   int    `json:"count"`
}

type theftIncident struct {
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

type auditSummary struct {
	File      string          `json:"file"`
	Lines     int             `json:"lines"`
	Entries   int             `json:"audit_entries"`
	Malformed int             `json:"malformed_lines"`
	First     string          `json:"first,omitempty"`
	Last      string          `json:"last,omitempty"`
	ByEvent   map[string]int  `json:"by_event"`
	TopActors []actorCount    `json:"top_actors,omitempty"`
	Lockouts  int             `json:"lockouts"`
	Theft     []theftIncident `json:"token_theft,omitempty"`
}

// ---------------------------------------------------------------------------
// Constants (duplicated from api/audit.go to avoid import)
// ---------------------------------------------------------------------------

const (
	summaryEventTheft       = "token_theft"
	summaryEventLoginLocked = "login_rate_limited"
	summaryEventShareLocked = "share_rate_limited"
)

// topActorLimit caps the most-active-accounts list.
const topActorLimit = 5

// ---------------------------------------------------------------------------
// Core summary logic
// ---------------------------------------------------------------------------

func summarizeAuditLog(r io.Reader) (auditSummary, error) {
	summary := auditSummary{ByEvent: make(map[string]int)}
	actors := make(map[string]int)
	var firstT, lastT time.Time

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		summary.Lines++

		var rec auditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			summary.Malformed++
			continue
		}
		// Server logs mix audit entries with request and lifecycle lines;
		// only the former carry msg="audit".
		if rec.Msg != "audit" {
			continue
		}
		summary.Entries++
		summary.ByEvent[rec.Event]++
		if rec.ActorID != "" {
			actors[rec.ActorID]++
		}

		if t, err := parseAuditTime(rec.Timestamp); err == nil {
			if firstT.IsZero() || t.Before(firstT) {
				firstT = t
			}
			if t.After(lastT) {
				lastT = t
			}
		}

		switch rec.Event {
		case summaryEventLoginLocked, summaryEventShareLocked:
			summary.Lockouts++
		case summaryEventTheft:
			summary.Theft = append(summary.Theft, theftIncident{
				Timestamp: rec.Timestamp,
				Reason:    rec.Reason,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("reading log: %w", err)
	}

	if !firstT.IsZero() {
		summary.First = firstT.UTC().Format(time.RFC3339)
		summary.Last = lastT.UTC().Format(time.RFC3339)
	}
	summary.TopActors = topActors(actors, topActorLimit)
	return summary, nil
}

// topActors returns the n busiest actors, ties broken by actor id so the
// output is stable.
func topActors(counts map[string]int, n int) []actorCount {
	ranked := make([]actorCount, 0, len(counts))
	for id, c := range counts {
		ranked = append(ranked, actorCount{ActorID: id, Count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].ActorID < ranked[j].ActorID
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// parseAuditTime parses RFC3339Nano, falling back to RFC3339.
func parseAuditTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanSummary(s auditSummary) {
	fmt.Printf("Audit log summary: %s\n", s.File)
	fmt.Printf("Lines:   %d (%d audit entries, %d malformed)\n", s.Lines, s.Entries, s.Malformed)
	if s.First != "" {
		fmt.Printf("Window:  %s to %s\n", s.First, s.Last)
	}
	fmt.Println()

	events := make([]string, 0, len(s.ByEvent))
	for ev := range s.ByEvent {
		events = append(events, ev)
	}
	sort.Strings(events)
	for _, ev := range events {
		fmt.Printf("  %-28s %d\n", ev, s.ByEvent[ev])
	}

	if len(s.TopActors) > 0 {
		fmt.Println("\nMost active accounts:")
		for _, a := range s.TopActors {
			fmt.Printf("  %-28s %d\n", a.ActorID, a.Count)
		}
	}

	fmt.Println()
	if s.Lockouts > 0 {
		fmt.Printf("[WARN] %d lockout(s) recorded\n", s.Lockouts)
	}
	for _, t := range s.Theft {
		if t.Reason != "" {
			fmt.Printf("[FAIL] token theft signal at %s: %s\n", t.Timestamp, t.Reason)
		} else {
			fmt.Printf("[FAIL] token theft signal at %s\n", t.Timestamp)
		}
	}

	if len(s.Theft) > 0 {
		fmt.Println("\nResult: ATTENTION (token theft signals present)")
	} else {
		fmt.Println("Result: CLEAN")
	}
}

func printJSONSummary(s auditSummary) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var summaryJSONOutput bool

var summaryCmd = &cobra.Command{
	Use:   "summary [file]",
	Short: "Summarize a structured audit log",
	Long: `Reads a JSON-lines audit log (the server's log output) and reports
event counts, the most active accounts, lockouts, and token theft
signals. Pass - to read from stdin.

Exits 1 when token theft signals are present, so the command can gate
scheduled checks.`,
	Args: cobra.ExactArgs(1),
	RunE: runSummary,
}

func init() {
	eventsCmd.AddCommand(summaryCmd)
	summaryCmd.Flags().BoolVar(&summaryJSONOutput, "json", false, "Output results as JSON")
}

func runSummary(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	var in io.Reader = os.Stdin
	if filePath != "-" {
		f, err := os.Open(filePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
			os.Exit(2)
		}
		defer f.Close()
		in = f
	}

	summary, err := summarizeAuditLog(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	summary.File = filePath

	if summaryJSONOutput {
		if err := printJSONSummary(summary); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanSummary(summary)
	}

	if len(summary.Theft) > 0 {
		os.Exit(1)
	}
	return nil
}
