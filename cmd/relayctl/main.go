// Package main is the relay admin CLI. It sends control requests to a
// running relay over NATS:
//
//   - kick:  remove an identity, optionally banning its device
//   - unban: lift a ban by device token or name
//   - say:   broadcast an operator notice
//   - clear: drop the replay history
//   - stats: print the relay snapshot
//   - tail:  stream room events
//
// Usage:
//
//	relayctl <command> [options]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/huddle/relay/internal/admin"
	"github.com/huddle/relay/internal/chat"
	"github.com/huddle/relay/internal/messaging"
	"github.com/huddle/relay/internal/relay"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "kick":
		err = runKick(os.Args[2:])
	case "unban":
		err = runUnban(os.Args[2:])
	case "say":
		err = runSay(os.Args[2:])
	case "clear":
		err = runClear(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "tail":
		err = runTail(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relayctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  kick <name>       Remove an identity (-ban 30s also bans its device)")
	fmt.Println("  unban <target>    Lift a ban by device token or display name")
	fmt.Println("  say <text>        Broadcast an operator notice")
	fmt.Println("  clear             Drop the replay history")
	fmt.Println("  stats             Print the relay snapshot as JSON")
	fmt.Println("  tail              Stream room events")
	fmt.Println()
	fmt.Println("Every command accepts -nats (default $NATS_URL or nats://localhost:4222) and -timeout.")
}

// common holds the flags every command shares.
type common struct {
	natsURL *string
	timeout *time.Duration
}

func newFlags(name string) (*flag.FlagSet, common) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	def := messaging.DefaultNATSConfig().URL
	if v := os.Getenv("NATS_URL"); v != "" {
		def = v
	}
	return fs, common{
		natsURL: fs.String("nats", def, "NATS server URL"),
		timeout: fs.Duration("timeout", 3*time.Second, "Request timeout"),
	}
}

func (c common) connect() (*messaging.NATSClient, error) {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = *c.natsURL
	cfg.Name = "relayctl"
	cfg.MaxReconnects = 0
	return messaging.NewNATSClient(cfg)
}

// request sends payload to subject and decodes the reply into out.
func (c common) request(subject string, payload interface{}, out interface{}) error {
	nc, err := c.connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	reply, err := nc.Request(subject, data, *c.timeout)
	if err != nil {
		return err
	}
	return admin.DecodeReply(reply, out)
}

func runKick(args []string) error {
	fs, c := newFlags("kick")
	ban := fs.Duration("ban", 0, "Ban the device for this long (0 kicks only)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: relayctl kick [-ban 30s] <name>")
	}

	var res relay.KickResult
	req := admin.KickRequest{Name: fs.Arg(0), Seconds: int(ban.Seconds())}
	if err := c.request(messaging.SubjectAdminKick, req, &res); err != nil {
		return err
	}
	switch {
	case res.Banned:
		fmt.Printf("%s banned for %d seconds (device %s)\n", res.Name, req.Seconds, res.Device)
	case res.Online:
		fmt.Printf("%s kicked\n", res.Name)
	default:
		fmt.Printf("%s released\n", res.Name)
	}
	return nil
}

func runUnban(args []string) error {
	fs, c := newFlags("unban")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: relayctl unban <name|device>")
	}

	var res relay.UnbanResult
	if err := c.request(messaging.SubjectAdminUnban, admin.UnbanRequest{Target: fs.Arg(0)}, &res); err != nil {
		return err
	}
	fmt.Printf("%s unbanned (device %s)\n", res.Name, res.Device)
	return nil
}

func runSay(args []string) error {
	fs, c := newFlags("say")
	fs.Parse(args)
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		return fmt.Errorf("usage: relayctl say <text>")
	}
	return c.request(messaging.SubjectAdminBroadcast, admin.BroadcastRequest{Text: text}, nil)
}

func runClear(args []string) error {
	fs, c := newFlags("clear")
	fs.Parse(args)
	if err := c.request(messaging.SubjectAdminClear, struct{}{}, nil); err != nil {
		return err
	}
	fmt.Println("history cleared")
	return nil
}

func runStats(args []string) error {
	fs, c := newFlags("stats")
	fs.Parse(args)

	var snap relay.Snapshot
	if err := c.request(messaging.SubjectAdminStats, struct{}{}, &snap); err != nil {
		return err
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runTail(args []string) error {
	fs, c := newFlags("tail")
	fs.Parse(args)

	nc, err := c.connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	if err := nc.SubscribeEvents(func(e chat.Event) {
		ts := time.Unix(e.Ts, 0).UTC().Format("15:04:05")
		switch e.Type {
		case chat.EventMessage:
			fmt.Printf("[%s] %s: %s\n", ts, e.Name, e.Text)
		default:
			fmt.Printf("[%s] %-8s name=%s device=%s text=%q\n", ts, e.Type, e.Name, e.Device, e.Text)
		}
	}); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nc.Unsubscribe(messaging.SubjectEvents)
}
