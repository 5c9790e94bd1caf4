package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/acknet/ackchat/internal/client"
	"github.com/acknet/ackchat/internal/config"
	"github.com/acknet/ackchat/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", config.DefaultPath(), "path to the config file")
	serverAddr := flag.String("server", "", "TCP server address (overrides config)")
	serverURL := flag.String("url", "", "WebSocket server URL, e.g. ws://localhost:8941/chat (overrides config)")
	userName := flag.String("name", "", "user name to log in with")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if envLevel := strings.TrimSpace(os.Getenv("ACKCHAT_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("ACKCHAT_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if *serverAddr != "" {
		cfg.Client.ServerAddr = *serverAddr
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	stdin := bufio.NewScanner(os.Stdin)

	name := *userName
	for name == "" {
		fmt.Print("User name: ")
		if !stdin.Scan() {
			return stdin.Err()
		}
		name = strings.TrimSpace(stdin.Text())
	}

	callbacks := client.Callbacks{
		OnMessage: func(from, text string) {
			fmt.Printf("<%s> %s\n", from, text)
		},
		OnUserJoined: func(joined string, roster []string) {
			fmt.Printf("* %s joined (online: %s)\n", joined, strings.Join(roster, ", "))
		},
		OnUserLeft: func(left string, roster []string) {
			fmt.Printf("* %s left (online: %s)\n", left, strings.Join(roster, ", "))
		},
		OnError: func(cbErr error) {
			fmt.Fprintf(os.Stderr, "! %v\n", cbErr)
		},
	}

	c := client.New(cfg, callbacks)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		return err
	}

	if err := c.Login(name); err != nil {
		if errors.Is(err, client.ErrUserNameTaken) {
			return fmt.Errorf("user name %q is already taken", name)
		}
		return err
	}
	fmt.Printf("Logged in as %s. Type messages, /quit to leave.\n", name)

	for stdin.Scan() {
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		if line == "/who" {
			fmt.Printf("Online: %s\n", strings.Join(c.Roster(), ", "))
			continue
		}
		if err := c.SendMessage(line); err != nil {
			fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
			if errors.Is(err, client.ErrNotLoggedIn) {
				break
			}
		}
	}

	if err := c.Logout(); err != nil && !errors.Is(err, client.ErrNotLoggedIn) {
		logger.Warn("Logout failed: %v", err)
	}

	tally := c.Tally()
	fmt.Printf("Session over: %d events received, %d confirms sent\n", tally.Events, tally.Confirms)
	return nil
}
