package printer

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/agentregistry-dev/agentrun/internal/agenterrors"
)

// wrapWidth is the column diagnostic text wraps at.
const wrapWidth = 88

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	codeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// FormatError renders err for a terminal. Classified errors show their code,
// message and suggestion; anything else is shown as plain text.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	aerr, ok := agenterrors.As(err)
	if !ok {
		return fmt.Sprintf("%s %s\n", errorStyle.Render("Error:"), wordwrap.String(err.Error(), wrapWidth))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", codeStyle.Render("["+string(aerr.Code)+"]"), wordwrap.String(aerr.Message, wrapWidth))
	if aerr.Suggestion != "" {
		fmt.Fprintf(&b, "%s\n", hintStyle.Render("Suggestion:"))
		fmt.Fprintf(&b, "%s\n", indent.String(wordwrap.String(aerr.Suggestion, wrapWidth-2), 2))
	}
	if raw, ok := aerr.Details["raw"].(string); ok && raw != "" && raw != aerr.Message {
		fmt.Fprintf(&b, "%s\n", dimStyle.Render(indent.String(wordwrap.String("cause: "+raw, wrapWidth-2), 2)))
	}
	return b.String()
}

// PrintDiagnostic writes FormatError(err) to w, or to stderr when w is nil.
func PrintDiagnostic(w io.Writer, err error) {
	if w == nil {
		w = os.Stderr
	}
	_, _ = io.WriteString(w, FormatError(err))
}

// ErrorPayload is the structured form of an error for json and yaml output.
type ErrorPayload struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail mirrors the structured error object agent servers send.
type ErrorDetail struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// AsPayload converts err into an ErrorPayload. Unclassified errors are
// reported as UNKNOWN_ERROR.
func AsPayload(err error) ErrorPayload {
	aerr, ok := agenterrors.As(err)
	if !ok {
		aerr = agenterrors.Wrap(agenterrors.CodeUnknown, err, "")
	}
	return ErrorPayload{Error: ErrorDetail{
		Code:       string(aerr.Code),
		Message:    aerr.Message,
		Suggestion: aerr.Suggestion,
		Details:    aerr.Details,
	}}
}
