// Package invocation runs agent entrypoints. It resolves the agent, picks the
// transport the entrypoint declares, and reports every failure as an
// *agenterrors.Error.
package invocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentrun/internal/agenterrors"
	"github.com/agentregistry-dev/agentrun/internal/client"
	"github.com/agentregistry-dev/agentrun/internal/diagnostics"
	"github.com/agentregistry-dev/agentrun/internal/logging"
	"github.com/agentregistry-dev/agentrun/internal/manifest"
	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/internal/telemetry"
	"github.com/agentregistry-dev/agentrun/internal/transport"
)

// Resolver looks up registered agents. *registry.Store implements it.
type Resolver interface {
	Resolve(ctx context.Context, agentID string) (registry.Endpoint, error)
}

// Options configures a Client.
type Options struct {
	// Local addresses agents by the host and port in their record. Otherwise
	// requests go to BaseURL.
	Local   bool
	BaseURL string
	APIKey  string

	DashboardURL string
	// DefaultTimeout applies when Run is called with a zero timeout.
	DefaultTimeout time.Duration

	// Registry is required in local mode. In remote mode it is consulted for
	// entrypoint transports when the agent is known locally.
	Registry Resolver

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
	Classifier *diagnostics.Classifier
}

// Client invokes agent entrypoints.
type Client struct {
	opts       Options
	sync       *transport.Sync
	stream     *transport.StreamTransport
	classifier *diagnostics.Classifier
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	if opts.Local && opts.Registry == nil {
		return nil, fmt.Errorf("local mode requires an agent registry")
	}
	if !opts.Local && strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("remote mode requires a base URL")
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = diagnostics.New()
	}
	logger := logging.OrNop(opts.Logger)
	return &Client{
		opts:       opts,
		sync:       transport.NewSync(opts.HTTPClient, logger),
		stream:     transport.NewStreamTransport(opts.Dialer, logger),
		classifier: classifier,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// target is a resolved invocation destination.
type target struct {
	endpoint  transport.Endpoint
	diag      diagnostics.Context
	transport manifest.Transport
}

// Run executes tag and waits for its result. A streaming entrypoint is run
// over the stream transport and its chunk contents returned in order as []any.
func (c *Client) Run(ctx context.Context, agentID, tag string, args []any, kwargs map[string]any, timeout time.Duration) (any, error) {
	start := time.Now()
	tgt, err := c.resolve(ctx, agentID, tag, agenterrors.CodeUnknown)
	if err != nil {
		c.metrics.RecordInvocation(ctx, "", tag, string(agenterrors.CodeOf(err)), time.Since(start))
		return nil, err
	}

	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	req := transport.Request{
		EntrypointTag:  tag,
		InputArgs:      args,
		InputKwargs:    kwargs,
		TimeoutSeconds: timeoutSeconds(timeout),
	}

	var result any
	if tgt.transport == manifest.TransportStream {
		result, err = c.collect(ctx, tgt, req, timeout)
	} else {
		result, err = c.runSync(ctx, tgt, req, timeout)
	}

	code := ""
	if err != nil {
		code = string(agenterrors.CodeOf(err))
	}
	c.metrics.RecordInvocation(ctx, string(tgt.transport), tag, code, time.Since(start))
	return result, err
}

// RunStream opens a stream for a streaming entrypoint. The stream is finite
// and cannot be restarted; calling RunStream again re-executes the entrypoint.
func (c *Client) RunStream(ctx context.Context, agentID, tag string, args []any, kwargs map[string]any) (*Stream, error) {
	tgt, err := c.resolve(ctx, agentID, tag, agenterrors.CodeStream)
	if err != nil {
		return nil, err
	}
	if tgt.transport != manifest.TransportStream {
		return nil, agenterrors.New(agenterrors.CodeValidation,
			fmt.Sprintf("entrypoint %q is not a streaming entrypoint", tag),
			agenterrors.WithSuggestion("Use 'agentrun run' for non-streaming entrypoints."))
	}
	req := transport.Request{
		EntrypointTag:  tag,
		InputArgs:      args,
		InputKwargs:    kwargs,
		TimeoutSeconds: timeoutSeconds(c.opts.DefaultTimeout),
	}
	s, err := c.openStream(ctx, tgt, req, true)
	if err != nil {
		c.metrics.RecordInvocation(ctx, string(manifest.TransportStream), tag, string(agenterrors.CodeOf(err)), 0)
		return nil, err
	}
	return s, nil
}

// Architecture returns the entrypoints the server reports for agentID.
func (c *Client) Architecture(ctx context.Context, agentID string) (*client.Architecture, error) {
	base, diag, err := c.locate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	arch, err := c.api(base).GetArchitecture(ctx, agentID)
	if err != nil {
		return nil, c.classify(diag, err, agenterrors.CodeUnknown)
	}
	return arch, nil
}

// Health checks the server that hosts agentID. In remote mode agentID may be
// empty.
func (c *Client) Health(ctx context.Context, agentID string) (*client.Health, error) {
	base := c.opts.BaseURL
	diag := c.diagContext(agentID, registry.Endpoint{}, agenterrors.CodeUnknown)
	if c.opts.Local || agentID != "" {
		var err error
		base, diag, err = c.locate(ctx, agentID)
		if err != nil {
			return nil, err
		}
	}
	health, err := c.api(base).Health(ctx)
	if err != nil {
		return nil, c.classify(diag, err, agenterrors.CodeUnknown)
	}
	return health, nil
}

func (c *Client) runSync(ctx context.Context, tgt target, req transport.Request, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	c.logger.Debug("invoking entrypoint",
		zap.String("agent_id", tgt.endpoint.AgentID),
		zap.String("entrypoint", req.EntrypointTag),
		zap.String("transport", string(manifest.TransportSync)))

	env, err := c.sync.Do(ctx, tgt.endpoint, req)
	if err != nil {
		return nil, c.classify(tgt.diag, err, agenterrors.CodeUnknown)
	}
	if remote := env.Err(); remote != nil {
		return nil, c.fromRemote(tgt.diag, remote)
	}
	payload, err := env.Payload()
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.CodeServer, err, "agent returned an unreadable payload",
			agenterrors.WithSuggestion("Make sure the entrypoint returns JSON-serializable data."))
	}
	return payload, nil
}

// collect drains a stream into the ordered list of chunk contents.
func (c *Client) collect(ctx context.Context, tgt target, req transport.Request, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	// Run records the invocation itself.
	s, err := c.openStream(ctx, tgt, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()

	results := []any{}
	for chunk, err := range s.All(ctx) {
		if err != nil {
			return nil, err
		}
		if chunk.Final {
			continue
		}
		results = append(results, chunk.Content)
	}
	return results, nil
}

func (c *Client) openStream(ctx context.Context, tgt target, req transport.Request, record bool) (*Stream, error) {
	c.logger.Debug("invoking entrypoint",
		zap.String("agent_id", tgt.endpoint.AgentID),
		zap.String("entrypoint", req.EntrypointTag),
		zap.String("transport", string(manifest.TransportStream)))

	diag := tgt.diag
	diag.Fallback = agenterrors.CodeStream
	inner, err := c.stream.Open(ctx, tgt.endpoint, req)
	if err != nil {
		return nil, c.classify(diag, err, agenterrors.CodeStream)
	}
	return &Stream{
		inner:  inner,
		client: c,
		diag:   diag,
		tag:    req.EntrypointTag,
		start:  time.Now(),
		record: record,
	}, nil
}

// resolve finds where agentID lives and which transport tag uses. Transports
// come from the registered entrypoints, then the server's architecture when
// the record lists none, then the tag suffix.
func (c *Client) resolve(ctx context.Context, agentID, tag string, fallback agenterrors.Code) (target, error) {
	if strings.TrimSpace(tag) == "" {
		return target{}, agenterrors.New(agenterrors.CodeValidation, "entrypoint tag is required")
	}
	base, diag, rec, err := c.lookup(ctx, agentID)
	if err != nil {
		return target{}, err
	}
	diag.Fallback = fallback
	tgt := target{
		endpoint: transport.Endpoint{BaseURL: base, AgentID: agentID, APIKey: c.opts.APIKey},
		diag:     diag,
	}

	if t, ok := rec.Transport(tag); ok {
		tgt.transport = t
		return tgt, nil
	}
	if len(rec.Entrypoints) > 0 {
		message := fmt.Sprintf("Entrypoint '%s' not found", tag)
		return target{}, agenterrors.New(agenterrors.CodeNotFound, message,
			agenterrors.WithSuggestion(c.classifier.Suggest(diag, agenterrors.CodeNotFound, message)),
			agenterrors.WithDetail("available", tagsOf(rec.Entrypoints)))
	}

	t, err := c.transportFromArchitecture(ctx, base, diag, agentID, tag)
	if err != nil {
		return target{}, err
	}
	tgt.transport = t
	return tgt, nil
}

func (c *Client) transportFromArchitecture(ctx context.Context, base string, diag diagnostics.Context, agentID, tag string) (manifest.Transport, error) {
	arch, err := c.api(base).GetArchitecture(ctx, agentID)
	if err != nil || len(arch.Entrypoints) == 0 {
		c.logger.Debug("architecture unavailable, deriving transport from tag",
			zap.String("agent_id", agentID),
			zap.String("entrypoint", tag),
			zap.Error(err))
		return manifest.TransportForTag(tag), nil
	}
	for _, ep := range arch.Entrypoints {
		if ep.Tag != tag {
			continue
		}
		if err := manifest.ValidateEntrypoint(ep); err != nil {
			return "", agenterrors.Wrap(agenterrors.CodeValidation, err, "")
		}
		return ep.ResolvedTransport(), nil
	}
	message := fmt.Sprintf("Entrypoint '%s' not found", tag)
	return "", agenterrors.New(agenterrors.CodeNotFound, message,
		agenterrors.WithSuggestion(c.classifier.Suggest(diag, agenterrors.CodeNotFound, message)),
		agenterrors.WithDetail("available", tagsOf(arch.Entrypoints)))
}

// locate is lookup without the record.
func (c *Client) locate(ctx context.Context, agentID string) (string, diagnostics.Context, error) {
	base, diag, _, err := c.lookup(ctx, agentID)
	return base, diag, err
}

func (c *Client) lookup(ctx context.Context, agentID string) (string, diagnostics.Context, registry.Endpoint, error) {
	if err := registry.ValidateID(agentID); err != nil {
		return "", diagnostics.Context{}, registry.Endpoint{}, agenterrors.Wrap(agenterrors.CodeValidation, err, "",
			agenterrors.WithSuggestion("Agent ids are UUIDs; see 'agentrun agents list'."))
	}

	var rec registry.Endpoint
	if c.opts.Registry != nil {
		var err error
		rec, err = c.opts.Registry.Resolve(ctx, agentID)
		switch {
		case err == nil:
		case c.opts.Local && errors.Is(err, registry.ErrAgentNotFound):
			return "", diagnostics.Context{}, registry.Endpoint{}, agenterrors.Wrap(agenterrors.CodeNotFound, err,
				fmt.Sprintf("agent %s is not registered locally", agentID),
				agenterrors.WithSuggestion("Run 'agentrun agents list' to see local agents, or drop --local to call the server."))
		case c.opts.Local:
			return "", diagnostics.Context{}, registry.Endpoint{}, agenterrors.Wrap(agenterrors.CodeUnknown, err, "")
		default:
			c.logger.Debug("agent not in local registry", zap.String("agent_id", agentID), zap.Error(err))
			rec = registry.Endpoint{}
		}
	}

	diag := c.diagContext(agentID, rec, agenterrors.CodeUnknown)
	if !c.opts.Local {
		return strings.TrimRight(c.opts.BaseURL, "/"), diag, rec, nil
	}
	if !rec.HasAddress() {
		return "", diag, rec, agenterrors.New(agenterrors.CodeConnection,
			fmt.Sprintf("agent %s has no local address (status %s)", agentID, rec.Status),
			agenterrors.WithSuggestion(fmt.Sprintf("Start the agent and record its address with 'agentrun start %s --host <host> --port <port>'.", agentID)))
	}
	return "http://" + rec.Address(), diag, rec, nil
}

func (c *Client) diagContext(agentID string, rec registry.Endpoint, fallback agenterrors.Code) diagnostics.Context {
	return diagnostics.Context{
		Local:        c.opts.Local,
		Host:         rec.Host,
		Port:         rec.Port,
		AgentID:      agentID,
		DashboardURL: c.opts.DashboardURL,
		Fallback:     fallback,
	}
}

func (c *Client) api(base string) *client.Client {
	opts := []client.Option{client.WithLogger(c.logger)}
	if c.opts.HTTPClient != nil {
		opts = append(opts, client.WithHTTPClient(c.opts.HTTPClient))
	}
	return client.NewClient(base, c.opts.APIKey, opts...)
}

// classify converts any failure into an *agenterrors.Error. fallback is the
// code for failures nothing more specific matches, including uncoded server
// failures.
func (c *Client) classify(diag diagnostics.Context, err error, fallback agenterrors.Code) *agenterrors.Error {
	diag.Fallback = fallback
	if aerr, ok := agenterrors.As(err); ok {
		return aerr
	}
	var remote *transport.RemoteError
	if errors.As(err, &remote) {
		return c.fromRemote(diag, remote)
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && agenterrors.Code(apiErr.Code).Known() && apiErr.Code != string(agenterrors.CodeUnknown) {
		code := agenterrors.Code(apiErr.Code)
		return agenterrors.Wrap(code, err, apiErr.Message,
			agenterrors.WithSuggestion(c.classifier.Suggest(diag, code, apiErr.Message)),
			agenterrors.WithDetail("status_code", apiErr.StatusCode))
	}

	cls := c.classifier.Classify(diag, err.Error())
	return agenterrors.Wrap(cls.Code, err, cls.Message,
		agenterrors.WithSuggestion(cls.Suggestion),
		agenterrors.WithDetail("raw", err.Error()))
}

// fromRemote keeps the server's code and message and fills in a suggestion
// when the server gave none. Uncoded failures are classified from their text.
func (c *Client) fromRemote(diag diagnostics.Context, remote *transport.RemoteError) *agenterrors.Error {
	info := remote.Info
	code := info.Code
	suggestion := info.Suggestion

	_, hasServerCode := info.Details["server_code"]
	if code == agenterrors.CodeUnknown && !hasServerCode {
		if diag.Fallback == "" {
			diag.Fallback = agenterrors.CodeUnknown
		}
		cls := c.classifier.Classify(diag, info.Message)
		code = cls.Code
		if suggestion == "" {
			suggestion = cls.Suggestion
		}
	}
	if suggestion == "" {
		suggestion = c.classifier.Suggest(diag, code, info.Message)
	}

	opts := []agenterrors.Option{agenterrors.WithSuggestion(suggestion)}
	if len(info.Details) > 0 {
		opts = append(opts, agenterrors.WithDetails(info.Details))
	}
	if remote.StatusCode != 0 {
		opts = append(opts, agenterrors.WithDetail("status_code", remote.StatusCode))
	}
	return agenterrors.Wrap(code, remote, info.Message, opts...)
}

// timeoutSeconds rounds up so that a positive timeout never goes on the wire
// as zero.
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func tagsOf(entrypoints []manifest.Entrypoint) []string {
	tags := make([]string, 0, len(entrypoints))
	for _, ep := range entrypoints {
		tags = append(tags, ep.Tag)
	}
	return tags
}
