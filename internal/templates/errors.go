package templates

import (
	"errors"
	"fmt"
	"strings"
)

// errPathNotFound is returned by a strategy when the requested path is absent
// from the repository. It stops the fallback chain: the next strategy would
// reach the same conclusion.
var errPathNotFound = errors.New("path not found in template repository")

// TemplateDownloadError reports that a template could not be materialized.
type TemplateDownloadError struct {
	Prepath   string
	Framework string
	Template  string
	// Reason is a short human explanation.
	Reason string
	// Available lists valid alternatives: templates of Framework, or frameworks
	// when Framework itself does not exist.
	Available []string
	Err       error
}

func (e *TemplateDownloadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to download template %s/%s", e.Framework, e.Template)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Available) > 0 {
		fmt.Fprintf(&b, " (available: %s)", strings.Join(e.Available, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TemplateDownloadError) Unwrap() error {
	return e.Err
}

// ValidationError reports a downloaded template that is missing required files.
type ValidationError struct {
	Dir     string
	Missing []string
	Err     error
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("template in %s is invalid: missing %s", e.Dir, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("template in %s is invalid: %v", e.Dir, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
