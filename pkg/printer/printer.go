package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Printer handles various output formats
type Printer struct {
	out        io.Writer
	outputType OutputType
	tableOpts  []Option
}

// New creates a new printer with the specified output type
func New(outputType OutputType) *Printer {
	if outputType == "" {
		outputType = OutputTypeTable
	}
	return &Printer{
		out:        os.Stdout,
		outputType: outputType,
	}
}

// ParseOutputType validates an --output flag value.
func ParseOutputType(s string) (OutputType, error) {
	switch t := OutputType(s); t {
	case "":
		return OutputTypeTable, nil
	case OutputTypeTable, OutputTypeJSON, OutputTypeYAML:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (expected table, json or yaml)", s)
	}
}

// SetOutput sets the output writer
func (p *Printer) SetOutput(out io.Writer) {
	p.out = out
}

// SetTableOptions sets the options applied to tables rendered by Print.
func (p *Printer) SetTableOptions(opts ...Option) {
	p.tableOpts = opts
}

// Out returns the output writer.
func (p *Printer) Out() io.Writer {
	return p.out
}

// OutputType returns the configured format.
func (p *Printer) OutputType() OutputType {
	return p.outputType
}

// Structured reports whether output is machine-readable.
func (p *Printer) Structured() bool {
	return p.outputType == OutputTypeJSON || p.outputType == OutputTypeYAML
}

// Print writes data as JSON or YAML. Table output is handled by the caller
// through table, which Print calls for the table format.
func (p *Printer) Print(data any, table func(*TablePrinter)) error {
	switch p.outputType {
	case OutputTypeJSON:
		return p.PrintJSON(data)
	case OutputTypeYAML:
		return p.PrintYAML(data)
	default:
		t := NewTablePrinter(p.out, p.tableOpts...)
		table(t)
		return t.Render()
	}
}

// PrintJSON prints data in JSON format
func (p *Printer) PrintJSON(data any) error {
	encoder := json.NewEncoder(p.out)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(data)
}

// PrintYAML prints data in YAML format. Values go through JSON first so the
// keys follow the json tags.
func (p *Printer) PrintYAML(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(p.out)
	encoder.SetIndent(2)
	if err := encoder.Encode(generic); err != nil {
		return err
	}
	return encoder.Close()
}

// PrintSuccess prints a success message with kubectl-style formatting
func PrintSuccess(message string) {
	_, _ = fmt.Fprintf(os.Stdout, "%s %s\n", successStyle.Render("✓"), message)
}

// PrintError prints an error message
func PrintError(message string) {
	_, _ = fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("Error:"), message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	_, _ = fmt.Fprintf(os.Stdout, "%s %s\n", warningStyle.Render("Warning:"), message)
}

// PrintInfo prints an info message
func PrintInfo(message string) {
	_, _ = fmt.Fprintf(os.Stdout, "%s\n", message)
}

// FormatTimestamp formats a timestamp in kubectl style
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "<none>"
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// FormatAge formats time.Duration as a kubectl-style age string (e.g., "5d", "3h", "45m")
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "<none>"
	}
	duration := time.Since(t)

	days := int(duration.Hours() / 24)
	if days > 0 {
		return fmt.Sprintf("%dd", days)
	}

	hours := int(duration.Hours())
	if hours > 0 {
		return fmt.Sprintf("%dh", hours)
	}

	minutes := int(duration.Minutes())
	if minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	}

	seconds := int(duration.Seconds())
	return fmt.Sprintf("%ds", seconds)
}
