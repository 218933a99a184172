package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// colorsEnabled honours --no-color, NO_COLOR and dumb terminals.
func colorsEnabled(disabled bool) bool {
	if disabled {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return os.Getenv("TERM") != "dumb"
}

// Printer handles formatted output to the terminal
type Printer struct {
	out       io.Writer
	err       io.Writer
	useColors bool
}

func NewPrinter(out, err io.Writer, useColors bool) *Printer {
	return &Printer{out: out, err: err, useColors: useColors}
}

func (p *Printer) write(w io.Writer, attr color.Attribute, mark, plain, format string, args ...any) {
	if p.useColors {
		c := color.New(attr)
		c.EnableColor()
		c.Fprintf(w, mark+format+"\n", args...)
		return
	}
	fmt.Fprintf(w, plain+format+"\n", args...)
}

// Info prints an informational message
func (p *Printer) Info(format string, args ...any) {
	p.write(p.out, color.FgCyan, "", "", format, args...)
}

// Success prints a success message
func (p *Printer) Success(format string, args ...any) {
	p.write(p.out, color.FgGreen, "✓ ", "[OK] ", format, args...)
}

// Warning prints a warning message to stderr
func (p *Printer) Warning(format string, args ...any) {
	p.write(p.err, color.FgYellow, "⚠ ", "[WARN] ", format, args...)
}

// Error prints an error message to stderr
func (p *Printer) Error(format string, args ...any) {
	p.write(p.err, color.FgRed, "✗ ", "[ERROR] ", format, args...)
}

// Field prints an indented "label: value" line.
func (p *Printer) Field(label string, value any) {
	if p.useColors {
		bold := color.New(color.Bold)
		bold.EnableColor()
		fmt.Fprintf(p.out, "  %s %v\n", bold.Sprint(label+":"), value)
		return
	}
	fmt.Fprintf(p.out, "  %s: %v\n", label, value)
}

// Table renders rows under headers without borders.
func (p *Printer) Table(headers []string, rows [][]string) error {
	table := tablewriter.NewTable(p.out,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoFormat: tw.On},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.Off},
			},
		}),
	)
	table.Header(headers)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}
