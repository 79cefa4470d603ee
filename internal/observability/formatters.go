// Package observability provides formatted output for the CLI.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/health"
	"github.com/jonathan/story-illustrator/internal/pipeline"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 72
	// previewLength bounds prompt previews in tables
	previewLength = 40
)

// Printer handles formatted output
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

// wrap breaks text into lines of at most width runes on word boundaries.
func wrap(s string, width int) []string {
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		if len([]rune(para)) <= width {
			lines = append(lines, para)
			continue
		}
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line := words[0]
		for _, w := range words[1:] {
			if len([]rune(line))+1+len([]rune(w)) > width {
				lines = append(lines, line)
				line = w
				continue
			}
			line += " " + w
		}
		lines = append(lines, line)
	}
	return lines
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, raw := range strings.Split(content, "\n") {
		for _, line := range wrap(raw, boxWidth-4) {
			fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
		}
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintStory outputs a human-readable summary of a story.
func (p *Printer) PrintStory(s *db.Story) {
	if s == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID:       %s\n", s.ID))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", s.Status))
	if s.ProcessingTime != nil {
		sb.WriteString(fmt.Sprintf("Time:     %.1fs\n", *s.ProcessingTime))
	}
	if s.ErrorMessage != nil {
		sb.WriteString(fmt.Sprintf("Error:    %s\n", *s.ErrorMessage))
	}
	if s.UserPrompt != nil {
		sb.WriteString(fmt.Sprintf("Prompt:   %s\n", *s.UserPrompt))
	}
	if s.TranscribedText != nil {
		sb.WriteString(fmt.Sprintf("Heard:    %s\n", *s.TranscribedText))
	}

	if s.StoryText != nil {
		sb.WriteString("\nStory:\n")
		sb.WriteString(*s.StoryText)
		sb.WriteString("\n")
	}
	if s.CharacterDescription != nil {
		sb.WriteString("\nCharacter:\n")
		sb.WriteString(*s.CharacterDescription)
		sb.WriteString("\n")
	}

	sb.WriteString("\nImages:\n")
	sb.WriteString(fmt.Sprintf("  character:  %s\n", deref(s.CharacterImage)))
	sb.WriteString(fmt.Sprintf("  background: %s\n", deref(s.BackgroundImage)))
	sb.WriteString(fmt.Sprintf("  composed:   %s\n", deref(s.ComposedImage)))

	if len(s.GenerationParameters) > 0 {
		sb.WriteString("\nModels:\n")
		for _, stage := range db.Stages {
			params, ok := s.GenerationParameters[stage]
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %-17s %s (%d attempts)", stage, params.ModelUsed, params.AttemptCount)
			if params.FallbackUsed {
				line += " fallback"
			}
			sb.WriteString(line + "\n")
		}
	}

	p.printBox("STORY", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintStoryTable outputs a page of stories as a table.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintStoryTable(page *db.StoryPage) {
	if page == nil || len(page.Stories) == 0 {
		fmt.Fprintln(p.out, "No stories found.")
		return
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Status", "Prompt", "Time", "Created"})
	for _, s := range page.Stories {
		elapsed := "-"
		if s.ProcessingTime != nil {
			elapsed = fmt.Sprintf("%.1fs", *s.ProcessingTime)
		}
		prompt := "(audio)"
		if s.UserPrompt != nil {
			prompt = truncate(*s.UserPrompt, previewLength)
		}
		tw.AppendRow(table.Row{s.ID.String(), s.Status, prompt, elapsed, s.CreatedAt.Local().Format(time.DateTime)})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	fmt.Fprintln(p.out, tw.Render())
	fmt.Fprintf(p.out, "Showing %d-%d of %d\n", page.Offset+1, page.Offset+len(page.Stories), page.Total)
}

// PrintLogs outputs generation logs as a table, in order.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintLogs(logs []db.GenerationLog) {
	if len(logs) == 0 {
		fmt.Fprintln(p.out, "No generation logs.")
		return
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Stage", "Model", "Result", "Duration"})
	for _, l := range logs {
		result := "ok"
		if !l.Succeeded {
			result = "failed"
			if l.ErrorKind != nil {
				result = *l.ErrorKind
			}
		}
		model := l.ModelUsed
		if model == "" {
			model = "-"
		}
		tw.AppendRow(table.Row{l.AttemptNumber, l.Stage, truncate(model, previewLength), result, l.Duration().Round(time.Millisecond).String()})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	fmt.Fprintln(p.out, tw.Render())
}

// PrintHealth outputs a health report.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintHealth(res health.Result) {
	names := make([]string, 0, len(res.Services))
	for name := range res.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Service", "Status", "Detail"})
	for _, name := range names {
		h := res.Services[name]
		detail := h.Error
		if detail == "" && h.ExhaustionRate != nil {
			detail = fmt.Sprintf("exhaustion %.0f%%", *h.ExhaustionRate*100)
		}
		tw.AppendRow(table.Row{name, string(h.Status), detail})
	}
	fmt.Fprintf(p.out, "Overall: %s\n", res.Status)
	fmt.Fprintln(p.out, tw.Render())
}

// PrintProgress outputs one progress event as a line.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintProgress(e pipeline.ProgressEvent) {
	switch e.Status {
	case pipeline.ProgressFinished:
		fmt.Fprintf(p.out, "● %s\n", e.Message)
	case pipeline.ProgressFailed:
		fmt.Fprintf(p.out, "  ✗ %-17s %s\n", e.Stage, e.Message)
	case pipeline.ProgressSkipped:
		fmt.Fprintf(p.out, "  - %-17s skipped\n", e.Stage)
	case pipeline.ProgressCompleted:
		fmt.Fprintf(p.out, "  ✓ %s\n", e.Stage)
	default:
		fmt.Fprintf(p.out, "  … %s\n", e.Stage)
	}
}
