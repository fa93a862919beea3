package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/authexity/scraper"
	"github.com/authexity/scraper/models"
	"github.com/authexity/scraper/resolve"
)

// maxCellWidth keeps long titles and URLs from wrapping the terminal
const maxCellWidth = 60

func newLinksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "links <text>",
		Short: "Find the links in a message and preview each one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, os.Stderr)
			if err != nil {
				return err
			}

			s := scraper.New(cfg.Scraper)
			analysis := s.AnalyzeText(cmd.Context(), strings.Join(args, " "))
			renderAnalysis(cmd.OutOrStdout(), analysis)
			return nil
		},
	}
}

func newResolveCommand() *cobra.Command {
	var title, snippet string

	cmd := &cobra.Command{
		Use:   "resolve <url>",
		Short: "Unwrap a redirect or proxy URL into its destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, os.Stderr)
			if err != nil {
				return err
			}

			s := scraper.New(cfg.Scraper)
			res := s.Resolver().Resolve(cmd.Context(), resolve.Input{
				URL:     args[0],
				Title:   title,
				Snippet: snippet,
			})
			renderResolution(cmd.OutOrStdout(), args[0], res)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "title that accompanied the URL")
	cmd.Flags().StringVar(&snippet, "snippet", "", "snippet that accompanied the URL")
	return cmd
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderAnalysis(w io.Writer, analysis models.TextAnalysis) {
	if !analysis.FoundLinks {
		fmt.Fprintln(w, analysis.Message)
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"#", "URL", "Title", "Status", "Resolved URL"})
	for i, page := range analysis.Pages {
		status := "ok"
		if page.Failure != nil {
			status = string(page.Failure.Kind)
		}
		realURL := ""
		if i < len(analysis.Citations) {
			realURL = analysis.Citations[i].RealURL
		}
		t.AppendRow(table.Row{i + 1, page.SourceURL, page.Title, status, realURL})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "URL", WidthMax: maxCellWidth, WidthMaxEnforcer: text.Trim},
		{Name: "Title", WidthMax: maxCellWidth, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Resolved URL", WidthMax: maxCellWidth, WidthMaxEnforcer: text.Trim},
	})
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d links", len(analysis.Pages))})
	t.Render()
}

func renderResolution(w io.Writer, original string, res resolve.Resolution) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"Original", original},
		{"Resolved", res.URL},
		{"Method", res.Method},
		{"Domain", res.Domain},
		{"Favicon", res.FaviconURL},
	})
	if res.Failure != nil {
		t.AppendRow(table.Row{"Failure", res.Failure.Detail})
	}
	t.Render()
}
