// Package diagnostics turns raw transport and server failure text into a
// classified error with remediation text.
package diagnostics

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentregistry-dev/agentrun/internal/agenterrors"
)

// Context describes the call that failed.
type Context struct {
	// Local is true when the agent was addressed directly by host and port.
	Local        bool
	Host         string
	Port         int
	AgentID      string
	DashboardURL string
	// Fallback is the code used when no rule matches. Defaults to UNKNOWN_ERROR.
	Fallback agenterrors.Code
}

// Classification is the outcome of classifying one failure.
type Classification struct {
	Code       agenterrors.Code
	Message    string
	Suggestion string
}

// Rule matches lower-cased failure text and builds a classification for it.
type Rule struct {
	Name  string
	Code  agenterrors.Code
	Match func(lower string) bool
	Build func(ctx Context, raw string) Classification
}

// Classifier evaluates rules in order; the first match wins.
type Classifier struct {
	Rules []Rule
}

// New returns a Classifier with the default rule order.
func New() *Classifier {
	return &Classifier{Rules: DefaultRules()}
}

// DefaultRules returns connection, authentication, permission, not found,
// timeout and server rules, in that order.
func DefaultRules() []Rule {
	return []Rule{
		ConnectionRule(),
		AuthenticationRule(),
		PermissionRule(),
		NotFoundRule(),
		TimeoutRule(),
		ServerRule(),
	}
}

// Classify returns the classification of raw.
func (c *Classifier) Classify(ctx Context, raw string) Classification {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	for _, rule := range c.Rules {
		if rule.Match(lower) {
			return rule.Build(ctx, raw)
		}
	}
	return fallback(ctx, raw)
}

// Suggest returns remediation text for a failure the server already
// classified as code. The first rule producing code supplies the text.
func (c *Classifier) Suggest(ctx Context, code agenterrors.Code, message string) string {
	for _, rule := range c.Rules {
		if rule.Code == code {
			return rule.Build(ctx, message).Suggestion
		}
	}
	if code == agenterrors.CodeValidation {
		return "Check the arguments passed to the entrypoint."
	}
	ctx.Fallback = code
	return fallback(ctx, message).Suggestion
}

func fallback(ctx Context, raw string) Classification {
	code := ctx.Fallback
	if code == "" {
		code = agenterrors.CodeUnknown
	}
	message := raw
	if message == "" {
		message = "agent invocation failed"
	}
	suggestion := "Re-run with --verbose for more detail."
	if code == agenterrors.CodeStream {
		suggestion = "The stream ended unexpectedly. Check the agent logs and retry; streams cannot be resumed."
	}
	return Classification{Code: code, Message: message, Suggestion: suggestion}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

var (
	status401  = regexp.MustCompile(`\b401\b`)
	status403  = regexp.MustCompile(`\b403\b`)
	status404  = regexp.MustCompile(`\b404\b`)
	status5xx  = regexp.MustCompile(`\b5\d\d\b`)
	quotedName = regexp.MustCompile(`['"]([^'"]+)['"]`)
)

// ConnectionRule matches refused or unreachable connections.
func ConnectionRule() Rule {
	return Rule{
		Name: "connection",
		Code: agenterrors.CodeConnection,
		Match: func(lower string) bool {
			return containsAny(lower,
				"connection refused", "connection reset", "no such host", "unreachable",
				"failed to connect", "could not connect", "cannot connect", "connect: ", "broken pipe")
		},
		Build: func(ctx Context, raw string) Classification {
			if ctx.Local {
				addr := fmt.Sprintf("%s:%d", ctx.Host, ctx.Port)
				return Classification{
					Code:       agenterrors.CodeConnection,
					Message:    fmt.Sprintf("cannot connect to agent at %s", addr),
					Suggestion: fmt.Sprintf("Make sure the agent is running and listening on %s (agentrun start %s --host %s --port %d).", addr, ctx.AgentID, ctx.Host, ctx.Port),
				}
			}
			return Classification{
				Code:       agenterrors.CodeConnection,
				Message:    "cannot connect to the agent server",
				Suggestion: fmt.Sprintf("Check that agent %s is deployed and that the server URL is correct.", ctx.AgentID),
			}
		},
	}
}

// AuthenticationRule matches 401 and unauthorized responses.
func AuthenticationRule() Rule {
	return Rule{
		Name: "authentication",
		Code: agenterrors.CodeAuthentication,
		Match: func(lower string) bool {
			return status401.MatchString(lower) || containsAny(lower, "unauthorized", "unauthenticated", "invalid api key")
		},
		Build: func(ctx Context, raw string) Classification {
			return Classification{
				Code:       agenterrors.CodeAuthentication,
				Message:    "authentication failed",
				Suggestion: "Set a valid API key with 'agentrun config set-key' or the AGENTRUN_API_KEY environment variable.",
			}
		},
	}
}

// PermissionRule matches 403, forbidden and permission failures.
func PermissionRule() Rule {
	return Rule{
		Name: "permission",
		Code: agenterrors.CodePermission,
		Match: func(lower string) bool {
			return status403.MatchString(lower) || containsAny(lower, "forbidden", "permission", "access denied")
		},
		Build: func(ctx Context, raw string) Classification {
			return Classification{
				Code:    agenterrors.CodePermission,
				Message: "access to the agent was denied",
				Suggestion: fmt.Sprintf("Agent %s may belong to another account. Check the agents you own at %s.",
					ctx.AgentID, strings.TrimSuffix(ctx.DashboardURL, "/")),
			}
		},
	}
}

// NotFoundRule matches 404 and not found failures. A quoted name in the text is
// taken to be the missing entrypoint.
func NotFoundRule() Rule {
	return Rule{
		Name: "not-found",
		Code: agenterrors.CodeNotFound,
		Match: func(lower string) bool {
			return status404.MatchString(lower) || strings.Contains(lower, "not found")
		},
		Build: func(ctx Context, raw string) Classification {
			dashboard := strings.TrimSuffix(ctx.DashboardURL, "/")
			message := raw
			if message == "" {
				message = "not found"
			}
			if m := quotedName.FindStringSubmatch(raw); m != nil {
				return Classification{
					Code:    agenterrors.CodeNotFound,
					Message: message,
					Suggestion: fmt.Sprintf("Entrypoint '%s' is not defined on agent %s. Check the tags in its runagent.config.json or the agent page at %s/agents/%s.",
						m[1], ctx.AgentID, dashboard, ctx.AgentID),
				}
			}
			return Classification{
				Code:    agenterrors.CodeNotFound,
				Message: message,
				Suggestion: fmt.Sprintf("Agent %s was not found. Check the agent id or list your agents in the dashboard at %s.",
					ctx.AgentID, dashboard),
			}
		},
	}
}

// TimeoutRule matches timeouts and exceeded deadlines.
func TimeoutRule() Rule {
	return Rule{
		Name: "timeout",
		Code: agenterrors.CodeTimeout,
		Match: func(lower string) bool {
			return containsAny(lower, "timeout", "timed out", "deadline exceeded")
		},
		Build: func(ctx Context, raw string) Classification {
			return Classification{
				Code:       agenterrors.CodeTimeout,
				Message:    "the agent did not respond in time",
				Suggestion: "Increase --timeout or reduce the work done by the entrypoint.",
			}
		},
	}
}

// ServerRule matches 5xx and internal server errors.
func ServerRule() Rule {
	return Rule{
		Name: "server",
		Code: agenterrors.CodeServer,
		Match: func(lower string) bool {
			return status5xx.MatchString(lower) ||
				containsAny(lower, "internal server error", "bad gateway", "service unavailable")
		},
		Build: func(ctx Context, raw string) Classification {
			return Classification{
				Code:       agenterrors.CodeServer,
				Message:    "the agent server failed to handle the request",
				Suggestion: fmt.Sprintf("Check the logs of agent %s and retry. If it keeps failing, redeploy it.", ctx.AgentID),
			}
		},
	}
}
