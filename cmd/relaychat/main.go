// Package main is a minimal terminal client for the relay. It claims an
// identity in plain mode, prints every line the relay sends, and sends each
// line typed on stdin as a chat message (slash commands included).
//
// Usage:
//
//	relaychat [-url ws://localhost:8080/ws] [-name alice]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/huddle/relay/internal/client"
	"github.com/huddle/relay/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	name := flag.String("name", os.Getenv("USER"), "Requested display name")
	deviceFile := flag.String("device-file", defaultDeviceFile(), "File holding this terminal's device token")
	flag.Parse()

	device, reconnect := loadDevice(*deviceFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	c, err := client.Dial(dialCtx, *url)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	registerPrinters(c)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err = c.WaitForSession(waitCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: no session: %v\n", err)
		os.Exit(1)
	}

	if err := c.Claim(*name, device, reconnect, protocol.ModePlain); err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: claim: %v\n", err)
		os.Exit(1)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			if err := c.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "relaychat: connection lost: %v\n", err)
				os.Exit(1)
			}
			return
		case line, ok := <-lines:
			if !ok {
				_ = c.Logout()
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := c.Say(line); err != nil {
				fmt.Fprintf(os.Stderr, "relaychat: send: %v\n", err)
				return
			}
		}
	}
}

// registerPrinters prints the events a terminal user cares about.
func registerPrinters(c *client.Client) {
	c.On(protocol.TypeMessage, func(raw json.RawMessage) {
		var m protocol.ServerChatMsg
		if json.Unmarshal(raw, &m) == nil {
			printChat(m)
		}
	})
	c.On(protocol.TypeHistory, func(raw json.RawMessage) {
		var m protocol.HistoryMsg
		if json.Unmarshal(raw, &m) == nil {
			for _, e := range m.Entries {
				printChat(e)
			}
		}
	})
	c.On(protocol.TypeIdentityConfirmed, func(raw json.RawMessage) {
		var m protocol.IdentityConfirmedMsg
		if json.Unmarshal(raw, &m) == nil {
			if m.Reconnected {
				fmt.Printf("-- welcome back, %s\n", m.Name)
			} else {
				fmt.Printf("-- you are %s\n", m.Name)
			}
		}
	})
	c.On(protocol.TypeIdentityChanged, func(raw json.RawMessage) {
		var m protocol.IdentityChangedMsg
		if json.Unmarshal(raw, &m) == nil {
			fmt.Printf("-- you are now %s\n", m.NewName)
		}
	})
	c.On(protocol.TypeUsers, func(raw json.RawMessage) {
		var m protocol.UsersMsg
		if json.Unmarshal(raw, &m) == nil {
			fmt.Printf("-- online: %s\n", strings.Join(m.Names, ", "))
		}
	})
	c.On(protocol.TypeRateLimited, func(raw json.RawMessage) {
		var m protocol.RateLimitedMsg
		if json.Unmarshal(raw, &m) == nil {
			fmt.Printf("-- slow down, try again in %ds\n", m.RetryAfter)
		}
	})
	c.On(protocol.TypeBanned, func(raw json.RawMessage) {
		var m protocol.BannedMsg
		if json.Unmarshal(raw, &m) == nil {
			fmt.Printf("-- you are banned for another %ds\n", m.Remaining)
		}
	})
	c.On(protocol.TypeForceClosed, func(raw json.RawMessage) {
		var m protocol.ForceClosedMsg
		if json.Unmarshal(raw, &m) == nil {
			fmt.Printf("-- disconnected: %s\n", m.Reason)
		}
	})
	c.On(protocol.TypeIdentityRejected, func(raw json.RawMessage) {
		var m protocol.IdentityRejectedMsg
		if json.Unmarshal(raw, &m) == nil {
			fmt.Printf("-- claim rejected: %s\n", m.Reason)
		}
	})
	c.On(protocol.TypeLoggedOut, func(json.RawMessage) {
		fmt.Println("-- logged out")
	})
	c.On(protocol.TypeError, func(raw json.RawMessage) {
		var m protocol.ErrorMsg
		if json.Unmarshal(raw, &m) == nil {
			fmt.Printf("-- %s\n", m.Message)
		}
	})
}

func printChat(m protocol.ServerChatMsg) {
	if m.Line != "" {
		fmt.Println(m.Line)
		return
	}
	ts := time.Unix(m.Ts, 0).UTC().Format("15:04:05")
	if m.System {
		fmt.Printf("[%s] * %s\n", ts, m.Text)
		return
	}
	fmt.Printf("[%s] %s: %s\n", ts, m.From, m.Text)
}

func defaultDeviceFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".relaychat-device"
	}
	return filepath.Join(dir, "relaychat", "device")
}

// loadDevice reads the device token from path, creating one on first use.
// reconnect is true when a token already existed.
func loadDevice(path string) (device string, reconnect bool) {
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, true
		}
	}

	token := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err == nil {
		_ = os.WriteFile(path, []byte(token+"\n"), 0o600)
	}
	return token, false
}
