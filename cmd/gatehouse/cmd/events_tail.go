package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/gatehouselabs/gatehouse/event"
)

var (
	tailNATSURL    string
	tailJSONOutput bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow the live security event stream",
	Long: `Subscribes to the security event subjects on NATS and prints every
event as it arrives. Use --json for one JSON object per line, suitable
for piping into jq or a log collector.`,
	RunE: runTail,
}

func init() {
	eventsCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailNATSURL, "nats-url", nats.DefaultURL, "NATS server URL")
	tailCmd.Flags().BoolVar(&tailJSONOutput, "json", false, "Print events as JSON lines")
}

func runTail(cmd *cobra.Command, args []string) error {
	nc, err := nats.Connect(tailNATSURL, nats.Name("gatehouse-tail"))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", tailNATSURL, err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(event.SubjectAll, printTailMessage)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", event.SubjectAll, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	fmt.Fprintf(os.Stderr, "Listening on %s (%s), Ctrl-C to stop\n", tailNATSURL, event.SubjectAll)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-cmd.Context().Done():
	}
	return nil
}

func printTailMessage(msg *nats.Msg) {
	if tailJSONOutput {
		fmt.Printf("%s\n", msg.Data)
		return
	}
	var e event.Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		fmt.Fprintf(os.Stderr, "malformed event on %s: %v\n", msg.Subject, err)
		return
	}
	line := fmt.Sprintf("%s  %-25s", e.At.Format(time.RFC3339), e.Type)
	if e.Actor != "" {
		line += "  actor=" + e.Actor
	}
	if e.Subject != "" {
		line += "  subject=" + e.Subject
	}
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, e.Detail[k])
	}
	fmt.Println(line)
}
