package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/harunnryd/assistly/internal/orchestrator"
)

var (
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true)
	botStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	confirmStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	traceStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive local session",
	Long:  `Opens a local REPL against the same engine the webhook serves. Events run as the owner identity over the "local" channel; authenticate with the owner passphrase first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		fmt.Println(botStyle.Render(rt.Orchestrator.StartupMessage()))
		fmt.Println(botStyle.Render("Type '/exit' to quit."))

		reader := bufio.NewReader(os.Stdin)
		for {
			fmt.Print(promptStyle.Render("> "))
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}

			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == "/exit" {
				return nil
			}

			resp := rt.Orchestrator.ProcessEvent(cmd.Context(), orchestrator.Envelope{
				UserID:    cfg.Owner.ID,
				Channel:   "local",
				MessageID: fmt.Sprintf("local-%d", time.Now().UnixNano()),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Text:      text,
			})
			printResponse(resp)
		}
	},
}

func printResponse(resp orchestrator.Response) {
	if resp.Message != "" {
		style := botStyle
		if !resp.OK {
			style = errorStyle
		}
		fmt.Println(style.Render(resp.Message))
	}
	if resp.Confirmation != "" {
		fmt.Println(confirmStyle.Render(resp.Confirmation))
	}
	if resp.Data != nil {
		pretty, err := json.MarshalIndent(resp.Data, "", "  ")
		if err == nil {
			fmt.Println(string(pretty))
		}
	}
	if resp.TraceID != "" {
		fmt.Println(traceStyle.Render("trace: " + resp.TraceID))
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
