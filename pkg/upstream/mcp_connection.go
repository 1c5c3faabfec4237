package upstream

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-ambassador/ambassador/pkg/errors"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

const (
	// initTimeout bounds the MCP handshake, including subprocess startup on
	// stdio transports.
	initTimeout = 10 * time.Second

	// startMaxTries is the total number of connection attempts before a
	// start fails.
	startMaxTries = 3

	protocolVersion = "2024-11-05"
	clientName      = "mcp-ambassador"
	clientVersion   = "1.0.0"
)

// stdioEnvWhitelist is the only parent environment forwarded to stdio
// children. Everything else, including the master key, must not leak.
var stdioEnvWhitelist = []string{"PATH", "HOME", "NODE_ENV", "LANG", "TZ", "TERM", "USER", "SHELL"}

// mcpConnection implements Connection over an mcp-go client for all three
// transports.
type mcpConnection struct {
	name      string
	transport string
	config    *EntryConfig
	// credential is injected at build time for entries that require one.
	// It never appears in logs or error history.
	credential string

	mu        sync.RWMutex
	client    client.MCPClient
	connected bool

	history      ErrorHistory
	onDisconnect []func(error)
	onError      []func(error)
	callbackMu   sync.Mutex
}

// NewConnection builds a Connection for a catalog entry. credential is the
// user's decrypted secret for entries that declare a credential slot; pass
// empty for entries that need none.
func NewConnection(entry *storage.CatalogEntry, credential string) (Connection, error) {
	cfg, err := DecodeEntryConfig(entry)
	if err != nil {
		return nil, err
	}
	return &mcpConnection{
		name:       entry.Name,
		transport:  entry.Transport,
		config:     cfg,
		credential: credential,
	}, nil
}

// Start connects and completes the MCP handshake, retrying with exponential
// backoff. Already-started connections return immediately.
func (c *mcpConnection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond

	mcpClient, err := backoff.Retry(ctx, func() (client.MCPClient, error) {
		return c.connect(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(startMaxTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("retrying connection to %s after %v: %v", c.name, duration, err)
		}),
	)
	if err != nil {
		c.recordError(err)
		return errors.NewServiceUnavailableError(
			fmt.Sprintf("failed to connect to %s", c.name), err)
	}

	c.client = mcpClient
	c.connected = true
	return nil
}

// connect performs one connection attempt.
func (c *mcpConnection) connect(ctx context.Context) (client.MCPClient, error) {
	var mcpClient client.MCPClient
	var err error

	switch c.transport {
	case storage.TransportStdio:
		mcpClient, err = client.NewStdioMCPClient(c.config.Command, c.childEnv(), c.config.Args...)
	case storage.TransportSSE:
		var opts []transport.ClientOption
		if headers := c.httpHeaders(); len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		mcpClient, err = client.NewSSEMCPClient(c.config.URL, opts...)
	case storage.TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if headers := c.httpHeaders(); len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		mcpClient, err = client.NewStreamableHttpClient(c.config.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q", c.transport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", c.transport, err)
	}

	if c.transport == storage.TransportSSE {
		if startable, ok := mcpClient.(interface{ Start(context.Context) error }); ok {
			if err := startable.Start(ctx); err != nil {
				_ = mcpClient.Close()
				return nil, fmt.Errorf("failed to start sse transport: %w", err)
			}
		}
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, initTimeout)
		defer cancel()
	}

	_, err = mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logger.Debugf("error closing failed client for %s: %v", c.name, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize mcp protocol: %w", err)
	}

	if c.transport == storage.TransportStdio {
		c.watchStderr(mcpClient)
	}
	return mcpClient, nil
}

// childEnv builds the stdio child environment from the whitelist, the
// entry's declared env and the injected credential.
func (c *mcpConnection) childEnv() []string {
	var env []string
	for _, key := range stdioEnvWhitelist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for key, value := range c.config.Env {
		env = append(env, key+"="+value)
	}
	if c.credential != "" && c.config.CredentialEnv != "" {
		env = append(env, c.config.CredentialEnv+"="+c.credential)
	}
	return env
}

// httpHeaders merges the entry's declared headers with the injected
// credential header.
func (c *mcpConnection) httpHeaders() map[string]string {
	headers := make(map[string]string, len(c.config.Headers)+1)
	for key, value := range c.config.Headers {
		headers[key] = value
	}
	if c.credential != "" && c.config.CredentialHeader != "" {
		headers[c.config.CredentialHeader] = c.credential
	}
	return headers
}

// watchStderr drains the child's stderr into the error ring.
func (c *mcpConnection) watchStderr(mcpClient client.MCPClient) {
	concrete, ok := mcpClient.(*client.Client)
	if !ok {
		return
	}
	stderr, ok := client.GetStderr(concrete)
	if !ok {
		return
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			c.history.RecordLine(scanner.Text())
		}
	}()
}

// Stop closes the connection. Safe to call repeatedly and concurrently.
func (c *mcpConnection) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.connected = false
	c.client = nil
	return err
}

func (c *mcpConnection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// HealthCheck pings the server. A failed ping marks the connection
// disconnected and fires the disconnect callbacks.
func (c *mcpConnection) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	mcpClient, connected := c.client, c.connected
	c.mu.RUnlock()

	if !connected || mcpClient == nil {
		return errors.NewServiceUnavailableError(fmt.Sprintf("%s is not connected", c.name), nil)
	}
	if err := mcpClient.Ping(ctx); err != nil {
		c.markDisconnected(err)
		return errors.NewServiceUnavailableError(fmt.Sprintf("%s failed health check", c.name), err)
	}
	return nil
}

func (c *mcpConnection) GetTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	mcpClient, connected := c.client, c.connected
	c.mu.RUnlock()

	if !connected || mcpClient == nil {
		return nil, errors.NewServiceUnavailableError(fmt.Sprintf("%s is not connected", c.name), nil)
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.recordError(err)
		return nil, errors.NewServiceUnavailableError(
			fmt.Sprintf("failed to list tools on %s", c.name), err)
	}
	return result.Tools, nil
}

func (c *mcpConnection) InvokeTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	mcpClient, connected := c.client, c.connected
	c.mu.RUnlock()

	if !connected || mcpClient == nil {
		return nil, errors.NewServiceUnavailableError(fmt.Sprintf("%s is not connected", c.name), nil)
	}

	result, err := mcpClient.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		c.recordError(err)
		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError(
				fmt.Sprintf("tool %s on %s did not respond in time", name, c.name), err)
		}
		return nil, errors.NewServiceUnavailableError(
			fmt.Sprintf("failed to invoke %s on %s", name, c.name), err)
	}
	return result, nil
}

func (c *mcpConnection) Errors() *ErrorHistory {
	return &c.history
}

func (c *mcpConnection) OnDisconnect(fn func(error)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *mcpConnection) OnError(fn func(error)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onError = append(c.onError, fn)
}

func (c *mcpConnection) recordError(err error) {
	c.history.Record(err)
	c.callbackMu.Lock()
	callbacks := append([]func(error){}, c.onError...)
	c.callbackMu.Unlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (c *mcpConnection) markDisconnected(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.recordError(err)

	c.callbackMu.Lock()
	callbacks := append([]func(error){}, c.onDisconnect...)
	c.callbackMu.Unlock()
	for _, fn := range callbacks {
		fn(err)
	}
}
