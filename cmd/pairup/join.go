package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/1ureka/pairup/internal/app"
	"github.com/1ureka/pairup/internal/config"
	"github.com/1ureka/pairup/internal/protocol"
	"github.com/1ureka/pairup/internal/util"
	"github.com/1ureka/pairup/internal/webrtc"
)

func newJoinCmd() *cobra.Command {
	var (
		rawURL    string
		mode      string
		interests string
		stun      []string
		loopback  bool
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the server as a chat participant",
		Long: `Join the matchmaking server and chat from the terminal.

Type a line to send it. Commands:
  /next   leave the current chat and find someone new
  /leave  leave the current chat
  /quit   exit

Without --mode the command asks for the mode, server and interests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.ClientOptions{
				LoopbackCandidates: loopback,
				Input:              os.Stdin,
			}

			if cmd.Flags().Changed("mode") {
				m, err := parseMode(mode)
				if err != nil {
					return err
				}
				wsURL, err := normalizeWSURL(rawURL)
				if err != nil {
					return err
				}
				opts.Mode, opts.URL, opts.Interests = m, wsURL, parseInterests(interests)
			} else {
				opts.Mode, opts.URL, opts.Interests = askJoin()
			}

			servers, err := stunServers(stun)
			if err != nil {
				return err
			}
			opts.STUNServers = servers

			return app.RunClient(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&rawURL, "url", "u", "ws://127.0.0.1:8080/ws", "Server URL")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "human or agent")
	cmd.Flags().StringVarP(&interests, "interests", "i", "", "Comma-separated interest tags (human mode)")
	cmd.Flags().StringSliceVar(&stun, "stun", nil, "STUN server URLs (or PAIRUP_STUN_SERVERS env)")
	cmd.Flags().BoolVar(&loopback, "loopback", false, "Gather loopback candidates (same-host testing)")
	return cmd
}

// stunServers resolves the STUN list: flag, then environment, then defaults.
func stunServers(flag []string) ([]string, error) {
	if len(flag) > 0 {
		return flag, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if list := cfg.STUNList(); len(list) > 0 {
		return list, nil
	}
	return webrtc.DefaultSTUNServers, nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func parseMode(raw string) (protocol.Mode, error) {
	switch m := protocol.Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case protocol.ModeHuman, protocol.ModeAgent:
		return m, nil
	default:
		return "", fmt.Errorf("invalid --mode %q: must be 'human' or 'agent'", raw)
	}
}

func parseInterests(raw string) []string {
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}

// normalizeWSURL validates a server address and points it at /ws. A bare
// host defaults to wss.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// interestsPrompt follows the pairing rule: an empty tag set only pairs with
// another empty one.
const interestsPrompt = "Interests, comma separated (empty matches others without interests)"

// askJoin runs the interactive prompts.
func askJoin() (protocol.Mode, string, []string) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Human: meet a stranger with shared interests", "Agent: chat with an AI agent"}).
		WithDefaultText("Who do you want to talk to?").
		Show()
	pterm.Println()

	mode := protocol.ModeHuman
	if strings.HasPrefix(choice, "Agent") {
		mode = protocol.ModeAgent
	}

	wsURL := askURL()

	var interests []string
	if mode == protocol.ModeHuman {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(interestsPrompt).
			Show()
		pterm.Println()
		interests = parseInterests(raw)
	}
	return mode, wsURL, interests
}

// askURL prompts for a server URL until a valid one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server URL (e.g. ws://127.0.0.1:8080)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
