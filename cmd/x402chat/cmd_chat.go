package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawnad/x402/chat"
	"github.com/clawnad/x402/services"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("session", "", "session id to resume (a new one is created when empty)")
	chatCmd.Flags().String("endpoint", "", "agent endpoint used to pick a built-in service")
	chatCmd.Flags().String("agent-uri", "", "agent URI carrying a persona")
	chatCmd.Flags().String("persona", "", "persona prompt for the generic chat route")
	chatCmd.Flags().String("price", "", "persona price in USDC")
}

var chatCmd = &cobra.Command{
	Use:   "chat [path]",
	Short: "Chat with an agent, paying per message",
	Long: `Starts an interactive chat. The route comes from the path argument,
from --endpoint/--agent-uri, or from --persona for the generic chat route.
Type /clear to forget the conversation and /quit to leave.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func chatRoute(cmd *cobra.Command, args []string) (services.ChatRoute, error) {
	endpoint, _ := cmd.Flags().GetString("endpoint")
	agentURI, _ := cmd.Flags().GetString("agent-uri")
	persona, _ := cmd.Flags().GetString("persona")
	price, _ := cmd.Flags().GetString("price")

	if persona != "" {
		raw, err := json.Marshal(map[string]string{"persona": persona, "price": services.PersonaPrice(price)})
		if err != nil {
			return services.ChatRoute{}, err
		}
		agentURI = string(raw)
	}

	if endpoint != "" || agentURI != "" {
		route, ok := services.ResolveChat(services.Agent{Endpoint: endpoint, AgentURI: agentURI})
		if !ok {
			return services.ChatRoute{}, fmt.Errorf("agent has no chat route")
		}
		if len(args) == 1 {
			route.Path = args[0]
		}
		return route, nil
	}

	if len(args) == 0 {
		return services.ChatRoute{}, fmt.Errorf("a path, --endpoint, --agent-uri or --persona is required")
	}
	return services.ChatRoute{Path: args[0]}, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	route, err := chatRoute(cmd, args)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	var store chat.Store = chat.NewMemoryStore(a.cfg.Chat.MaxHistory)
	if a.cfg.Chat.RedisURL != "" {
		rs, err := chat.NewRedisStoreFromURL(ctx, a.cfg.Chat.RedisURL, a.cfg.Chat.MaxHistory)
		if err != nil {
			return fmt.Errorf("connect chat store: %w", err)
		}
		defer rs.Close()
		store = rs
	}

	sessionID, _ := cmd.Flags().GetString("session")
	out := cmd.OutOrStdout()

	session, err := chat.NewSession(ctx, chat.Config{
		SessionID: sessionID,
		Path:      route.Path,
		ExtraBody: route.ExtraBody,
		Requester: a.client,
		Signer:    a.signer,
		Store:     store,
		Logger:    a.log,
		OnChunk:   func(text string) { fmt.Fprint(out, text) },
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "session %s on %s", session.ID(), route.Path)
	if route.Price != "" {
		fmt.Fprintf(out, " (%s per message)", route.Price)
	}
	fmt.Fprintln(out)
	for _, m := range session.Messages() {
		fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
	}

	lines, scanErr := scanLines(os.Stdin)
	for {
		fmt.Fprint(out, "> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return <-scanErr
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			if err := session.Clear(ctx); err != nil {
				fmt.Fprintln(out, "clear failed:", err)
			}
			continue
		}

		// Ctrl-C during a reply stops it and keeps what already arrived.
		release := context.AfterFunc(ctx, session.Stop)
		err := session.Send(context.WithoutCancel(ctx), line)
		release()

		if err != nil {
			fmt.Fprintln(out, "!", session.Err())
			continue
		}
		if ctx.Err() != nil {
			fmt.Fprintln(out)
			return nil
		}
		if session.Status() == chat.StatusError {
			fmt.Fprintln(out, "\n!", session.Err())
			continue
		}
		fmt.Fprintln(out)
	}
}

// scanLines reads r on its own goroutine so the prompt can also wait on
// cancellation. The error channel yields the scan error once lines closes.
func scanLines(r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}
