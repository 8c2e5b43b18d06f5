// Interactive terminal client for the chat server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShreyashUmrao/Encrypted-Chat/client"
)

func main() {
	server := flag.String("server", envOr("CHAT_URL", "http://localhost:8000"), "server base URL")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
	room := flag.String("room", "lobby", "room to join")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "a token is required (-token or CHAT_TOKEN)")
		os.Exit(1)
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	c := client.NewClient(*server, *token)
	c.Logger = logger

	session := client.NewSession(c)
	defer session.Close()

	ctx := context.Background()
	if err := session.Join(ctx, *room); err != nil {
		fmt.Fprintf(os.Stderr, "join %s: %v\n", *room, err)
		os.Exit(1)
	}
	fmt.Printf("joined %s (filter %s)\n", *room, onOff(session.FilterEnabled()))

	go printUpdates(session)

	fmt.Println("type a message, /filter on|off, /room <id>, or /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue

		case line == "/quit":
			return

		case strings.HasPrefix(line, "/filter"):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "/filter"))
			enabled, err := session.ToggleFilter(ctx, arg == "on")
			if err != nil {
				fmt.Fprintf(os.Stderr, "filter: %v\n", err)
				continue
			}
			fmt.Printf("filter %s\n", onOff(enabled))

		case strings.HasPrefix(line, "/room "):
			next := strings.TrimSpace(strings.TrimPrefix(line, "/room "))
			if err := session.Join(ctx, next); err != nil {
				fmt.Fprintf(os.Stderr, "join %s: %v\n", next, err)
				continue
			}
			fmt.Printf("joined %s\n", next)

		default:
			if err := session.SendText(line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
}

func printUpdates(s *client.Session) {
	for u := range s.Updates() {
		switch u.Kind {
		case client.UpdateAppend:
			printMessage(u.Message)
		case client.UpdateReplace:
			for _, m := range s.Messages() {
				printMessage(m)
			}
		case client.UpdateChannelClosed:
			fmt.Println("-- connection lost --")
		}
	}
}

func printMessage(m client.Message) {
	ts := m.Timestamp.Local().Format("15:04:05")
	if m.IsRedacted && m.FromUser == "" {
		fmt.Printf("[%s] %s\n", ts, m.Text)
		return
	}
	fmt.Printf("[%s] %s: %s\n", ts, m.FromUser, m.Text)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
