package agent

import (
	"encoding/json"
	"fmt"
	"io"
)

// writeResult prints an invocation result. Strings are printed as-is and
// everything else as indented JSON.
func writeResult(w io.Writer, v any) error {
	if s, ok := v.(string); ok {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// writeChunk prints one stream chunk. Strings are written without a newline
// so token streams read naturally.
func writeChunk(w io.Writer, v any) error {
	if s, ok := v.(string); ok {
		_, err := io.WriteString(w, s)
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
