package utils

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyValuePairs(t *testing.T) {
	got, err := ParseKeyValuePairs([]string{"A=1", " B = two ", "C=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two", "C": "x=y"}, got)

	_, err = ParseKeyValuePairs([]string{"novalue"})
	assert.ErrorContains(t, err, "missing =")
	_, err = ParseKeyValuePairs([]string{"=v"})
	assert.ErrorContains(t, err, "empty key")
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"3", float64(3)},
		{"true", true},
		{"null", nil},
		{"hello", "hello"},
		{`"quoted"`, "quoted"},
		{`[1,"a"]`, []any{float64(1), "a"}},
		{`{"k":"v"}`, map[string]any{"k": "v"}},
		{"{broken", "{broken"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseValue(tt.in))
		})
	}
}

func TestParseKwargsAndArgs(t *testing.T) {
	kwargs, err := ParseKwargs([]string{"n=2", "q=hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(2), "q": "hi"}, kwargs)

	assert.Equal(t, []any{"a", float64(1)}, ParseArgs([]string{"a", "1"}))
	assert.Equal(t, []any{}, ParseArgs(nil))
}

func TestSanitizeAgentName(t *testing.T) {
	tests := map[string]string{
		"my-agent":          "my_agent",
		"My Cool-Agent":     "my_cool_agent",
		"/tmp/x/ResearchBot": "research_bot",
		"agent.v2":          "agent_v2",
		"__weird__":         "weird",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeAgentName(in), in)
	}
}

func TestFindAvailablePort(t *testing.T) {
	port, err := FindAvailablePort("")
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	_ = l.Close()
}
