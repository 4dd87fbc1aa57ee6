// Package main provides an interactive terminal client for chatd.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mama165/sdk-go/logs"

	"github.com/xiaot623/chatsync/internal/client"
	"github.com/xiaot623/chatsync/internal/config"
	"github.com/xiaot623/chatsync/internal/domain"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "chatd base URL")
	flag.StringVar(&cfg.UserID, "user", cfg.UserID, "user id to register as")
	flag.BoolVar(&cfg.RESTFallbackSend, "rest-fallback", cfg.RESTFallbackSend, "send over REST while the socket is down")
	flag.Parse()

	logger := logs.GetLoggerFromString(strings.ToUpper(cfg.LogLevel))

	c, err := client.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start client: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go c.Run(ctx)
	go printNotices(ctx, c)

	fmt.Printf("Connecting to %s as %s...\n", cfg.ServerURL, cfg.UserID)
	c.Connect(ctx)
	fmt.Println(helpText)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	open := ""
	for {
		fmt.Print("> ")
		var input string
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}

		cmd, err := parseCommand(input)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if cmd.name == "quit" {
			fmt.Println("Bye!")
			return
		}
		if err := run(ctx, c, cmd, &open); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func run(ctx context.Context, c *client.Client, cmd command, open *string) error {
	needOpen := func() error {
		if *open == "" {
			return errors.New("no open conversation, use /open <user>")
		}
		return nil
	}

	switch cmd.name {
	case "say":
		if err := needOpen(); err != nil {
			return err
		}
		_, err := c.Send(ctx, *open, cmd.text)
		if errors.Is(err, domain.ErrTransportUnavailable) {
			fmt.Println("offline, message queued")
			return nil
		}
		return err
	case "img":
		if err := needOpen(); err != nil {
			return err
		}
		_, err := c.SendImage(ctx, *open, cmd.args[0])
		if errors.Is(err, domain.ErrTransportUnavailable) {
			fmt.Println("offline, image queued")
			return nil
		}
		return err
	case "open":
		*open = cmd.args[0]
		if err := c.OpenConversation(ctx, *open); err != nil {
			return err
		}
		printLog(c, *open)
	case "close":
		*open = ""
		return c.CloseConversation()
	case "read":
		if err := needOpen(); err != nil {
			return err
		}
		return c.MarkRead(ctx, *open)
	case "clear":
		if err := needOpen(); err != nil {
			return err
		}
		return c.Clear(ctx, *open)
	case "edit":
		return c.Edit(ctx, cmd.args[0], cmd.text)
	case "log":
		if err := needOpen(); err != nil {
			return err
		}
		printLog(c, *open)
	case "unread":
		for user, n := range c.Unread() {
			fmt.Printf("  %s: %d\n", user, n)
		}
	case "online":
		fmt.Printf("  online: %s\n", strings.Join(c.Presence(), ", "))
	case "pending":
		for _, m := range c.Pending() {
			fmt.Printf("  -> %s: %s\n", m.To, m.Content)
		}
	case "typing":
		if err := needOpen(); err != nil {
			return err
		}
		return c.SetTyping(*open, true)
	case "connect":
		c.Connect(ctx)
	case "disconnect":
		c.Disconnect()
	case "help":
		fmt.Println(helpText)
	}
	return nil
}

func printLog(c *client.Client, counterparty string) {
	for _, m := range c.Log(counterparty) {
		body := m.Content
		if m.Kind == domain.KindImage {
			body = "[image " + m.MediaRef + "]"
		}
		id := m.ID
		if id == "" {
			id = "(pending)"
		}
		fmt.Printf("  %s %s %s: %s (%s)\n", m.CreatedAt.Local().Format(time.Kitchen), id, m.From, body, m.Status)
	}
}

func printNotices(ctx context.Context, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.Notices():
			switch n.Kind {
			case client.NoticeConnectivity:
				if n.Connected {
					fmt.Println("\n[connected]")
				} else {
					fmt.Println("\n[disconnected, retrying]")
				}
			case client.NoticeInbound:
				fmt.Printf("\n[%s] %s\n", n.Counterparty, n.Message.Preview(80))
			case client.NoticeSendFailed:
				fmt.Printf("\n[send failed: %v] draft: %s\n", n.Err, n.Draft)
			case client.NoticeFetchFailed:
				fmt.Printf("\n[fetch failed: %v]\n", n.Err)
			case client.NoticeTyping:
				if n.Typing {
					fmt.Printf("\n[%s is typing]\n", n.Counterparty)
				}
			case client.NoticeEdited:
				fmt.Printf("\n[%s edited %s] %s\n", n.Counterparty, n.Message.ID, n.Message.Content)
			case client.NoticeServerError:
				fmt.Printf("\n[server: %v]\n", n.Err)
			}
		}
	}
}
