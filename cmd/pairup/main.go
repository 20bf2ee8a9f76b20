// Command pairup is the CLI entry point.
//
// `pairup serve` runs the matchmaking server. `pairup join` connects a
// headless participant to it, either from flags or through interactive
// prompts when no --mode is given.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/pairup/internal/util"
)

var version = "dev"

var debugMode bool

var rootCmd = &cobra.Command{
	Use:           "pairup",
	Short:         "Interest-based random pairing with WebRTC and AI agent chat",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			util.EnableDebug()
		}
		pterm.Info.Println(fmt.Sprintf("Pairup v%s", version))
		pterm.Println()
	},
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(newServeCmd(), newJoinCmd())
}

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
