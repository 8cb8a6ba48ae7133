// Package main is a load generator for the relay. It provides two
// scenarios:
//
//   - saturate: open N connections, claim an identity on each and hold them
//   - chat:     N identities post on an interval while every client measures
//     fan-out latency of the lines it receives
//
// Usage:
//
//	relayload <command> [options]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/huddle/relay/internal/client"
	"github.com/huddle/relay/internal/protocol"
)

const stampPrefix = "stamp "

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relayload <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Open N connections, claim identities and hold them")
	fmt.Println("  chat        N identities chat while fan-out latency is measured")
	fmt.Println()
	fmt.Println("Run 'relayload <command> -h' for command-specific options.")
}

// stampText encodes the send time into a chat line.
func stampText(sent time.Time) string {
	return stampPrefix + strconv.FormatInt(sent.UnixNano(), 10)
}

// parseStamp recovers the send time from a stamp line.
func parseStamp(text string) (time.Time, bool) {
	if !strings.HasPrefix(text, stampPrefix) {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(strings.TrimPrefix(text, stampPrefix), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}

// connectAndClaim dials url, claims name with a per-client device token and
// waits for identity_confirmed.
func connectAndClaim(ctx context.Context, url, name string, col *collector) (*client.Client, error) {
	start := time.Now()
	c, err := client.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	confirmed := make(chan struct{}, 1)
	c.On(protocol.TypeIdentityConfirmed, func(json.RawMessage) {
		select {
		case confirmed <- struct{}{}:
		default:
		}
	})

	if _, err := c.WaitForSession(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Claim(name, "load-"+name, false, protocol.ModeRich); err != nil {
		c.Close()
		return nil, err
	}

	select {
	case <-confirmed:
	case <-c.Done():
		return nil, fmt.Errorf("connection closed before identity was confirmed")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	col.addConnect(time.Since(start))
	return c, nil
}

// openClients ramps up n clients, at most concurrency dialing at a time.
func openClients(ctx context.Context, url string, n, concurrency int, ramp time.Duration, col *collector, setup func(*client.Client)) []*client.Client {
	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := connectAndClaim(connCtx, url, fmt.Sprintf("load%d", i), col)
			if err != nil {
				col.addError()
				return
			}
			if setup != nil {
				setup(c)
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*client.Client) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}

func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := newCollector()
	clients := openClients(ctx, *url, *connections, *concurrency, *rampUp, col, nil)
	claims, errs := col.counts()
	fmt.Printf("\nRamp-up complete: %d/%d identities (%d errors)\n", claims, *connections, errs)

	fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)
	select {
	case <-ctx.Done():
		fmt.Println("\nInterrupted during hold phase.")
	case <-time.After(*hold):
	}

	dropped := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			dropped++
		default:
		}
	}
	if dropped > 0 {
		fmt.Printf("Connections dropped during hold: %d\n", dropped)
	}

	closeAll(clients)
	col.report()
}

func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 50, "Number of chatting identities")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration")
	duration := fs.Duration("duration", 30*time.Second, "How long to chat")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per identity")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Chat test: %d identities to %s (ramp=%s, duration=%s, interval=%s)\n",
		*users, *url, *rampUp, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := newCollector()
	measure := func(c *client.Client) {
		c.On(protocol.TypeMessage, func(raw json.RawMessage) {
			var m protocol.ServerChatMsg
			if json.Unmarshal(raw, &m) != nil || m.System {
				return
			}
			if sent, ok := parseStamp(m.Text); ok {
				col.addDelivery(time.Since(sent))
			}
		})
		c.On(protocol.TypeRateLimited, func(json.RawMessage) {
			col.addRateLimited()
		})
	}
	clients := openClients(ctx, *url, *users, *concurrency, *rampUp, col, measure)
	fmt.Printf("\n%d identities online, chatting for %s...\n", len(clients), *duration)

	chatCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-c.Done():
					col.addError()
					return
				case <-ticker.C:
					if err := c.Say(stampText(time.Now())); err != nil {
						col.addError()
						return
					}
					col.addSent()
				}
			}
		}(c)
	}
	wg.Wait()

	// Let in-flight deliveries land before closing.
	time.Sleep(500 * time.Millisecond)
	closeAll(clients)
	col.report()
}
