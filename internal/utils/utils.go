package utils

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/stoewer/go-strcase"
)

// FindAvailablePort finds an available port on host.
func FindAvailablePort(host string) (int, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	// Port 0 lets the OS pick one.
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to find available port: %w", err)
	}
	defer func() { _ = listener.Close() }()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// ParseKeyValuePairs parses KEY=VALUE pairs.
func ParseKeyValuePairs(pairs []string) (map[string]string, error) {
	result := make(map[string]string)
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid key=value pair (missing =): %s", pair)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			return nil, fmt.Errorf("invalid key=value pair (empty key): %s", pair)
		}
		result[key] = value
	}
	return result, nil
}

// ParseValue reads a command-line value as JSON when it parses, otherwise as a
// plain string. "3" is a number, "true" a bool, "hello" a string.
func ParseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// ParseKwargs parses KEY=VALUE pairs, reading each value with ParseValue.
func ParseKwargs(pairs []string) (map[string]any, error) {
	raw, err := ParseKeyValuePairs(pairs)
	if err != nil {
		return nil, err
	}
	kwargs := make(map[string]any, len(raw))
	for k, v := range raw {
		kwargs[k] = ParseValue(v)
	}
	return kwargs, nil
}

// ParseArgs reads each positional value with ParseValue.
func ParseArgs(values []string) []any {
	args := make([]any, 0, len(values))
	for _, v := range values {
		args = append(args, ParseValue(v))
	}
	return args
}

var nameJunk = regexp.MustCompile(`[^a-z0-9_]+`)

// SanitizeAgentName turns a folder name into a snake_case agent name.
// "My Cool-Agent" becomes "my_cool_agent".
func SanitizeAgentName(name string) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	name = strcase.SnakeCase(strings.ReplaceAll(name, " ", "_"))
	name = nameJunk.ReplaceAllString(name, "_")
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return strings.Trim(name, "_")
}
