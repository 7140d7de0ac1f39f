package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"forumhall/pkg/ofscp"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	fgColor      = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	upStyle = lipgloss.NewStyle().
		Foreground(accentColor).
		Bold(true)

	downStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)
)

func statusCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}

			resp, err := client.Get(serverURL + "/healthz")
			healthy := err == nil && resp.StatusCode == http.StatusOK
			if resp != nil {
				resp.Body.Close()
			}
			if !healthy {
				fmt.Println(renderStatusPanel(serverURL, nil, false))
				return fmt.Errorf("server at %s is not responding", serverURL)
			}

			var doc ofscp.DiscoveryDocument
			resp, err = client.Get(serverURL + "/.well-known/ofscp-provider")
			if err == nil {
				err = json.NewDecoder(resp.Body).Decode(&doc)
				resp.Body.Close()
			}
			if err != nil {
				return fmt.Errorf("failed to fetch provider document: %w", err)
			}

			fmt.Println(renderStatusPanel(serverURL, &doc, true))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "server base URL")
	return cmd
}

func renderStatusPanel(serverURL string, doc *ofscp.DiscoveryDocument, healthy bool) string {
	row := func(label, value string) string {
		return labelStyle.Render(label) + valueStyle.Render(value)
	}

	state := upStyle.Render("● up")
	if !healthy {
		state = downStyle.Render("● down")
	}

	lines := []string{
		titleStyle.Render("Forumhall Server"),
		row("URL", serverURL),
		labelStyle.Render("State") + state,
	}
	if doc != nil {
		lines = append(lines,
			row("Domain", doc.Provider.Domain),
			row("Protocol", doc.Provider.ProtocolVersion),
			row("Software", doc.Provider.Software.Name+" "+doc.Provider.Software.Version),
			row("Realtime", doc.Endpoints.Realtime),
		)
		if doc.Provider.Contact != "" {
			lines = append(lines, row("Contact", doc.Provider.Contact))
		}
	}

	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
