// Package mcp supervises the configured tool servers: spawn, handshake,
// tool discovery, request dispatch, restart, and teardown.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Trapezohe/companion-service/internal/config"
	"github.com/Trapezohe/companion-service/internal/jsonrpc"
	"github.com/Trapezohe/companion-service/internal/logging"
)

var mcpLog = logging.ForComponent(logging.CompMCP)

// ProtocolVersion is the fixed protocol version sent in the handshake.
const ProtocolVersion = "2024-11-05"

// ClientName identifies the daemon in the initialize handshake.
const ClientName = "companion"

// ServerStatus is the lifecycle state of a tool-server entry.
type ServerStatus string

const (
	StatusStopped      ServerStatus = "stopped"
	StatusStarting     ServerStatus = "starting"
	StatusConnected    ServerStatus = "connected"
	StatusDisconnected ServerStatus = "disconnected"
	StatusError        ServerStatus = "error"
)

// Tool is one discovered tool descriptor.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerInfo is the read-only snapshot of one entry.
type ServerInfo struct {
	Name      string       `json:"name"`
	Status    ServerStatus `json:"status"`
	ToolCount int          `json:"toolCount"`
	Error     string       `json:"error,omitempty"`
	StartedAt *time.Time   `json:"startedAt,omitempty"`
}

// ToolInfo tags a tool with its owning server.
type ToolInfo struct {
	Server string `json:"server"`
	Tool
}

// CallResult is the outcome of a tool invocation. Transport errors and
// unknown server/tool are represented here rather than raised.
type CallResult struct {
	OK      bool            `json:"ok"`
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"isError,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type entry struct {
	name string
	spec config.MCPServerSpec

	status       ServerStatus
	transport    *jsonrpc.Transport
	tools        []Tool
	lastError    string
	startedAt    time.Time
	capabilities json.RawMessage

	starting bool
	gen      int

	restarts *rate.Limiter
}

// Supervisor owns the registry of configured tool servers keyed by name.
type Supervisor struct {
	mu      sync.Mutex
	entries map[string]*entry
	version string
	closed  bool
}

// NewSupervisor builds the registry from configuration. Entries without a
// command are skipped with a warning rather than failing construction.
func NewSupervisor(specs map[string]config.MCPServerSpec, version string) *Supervisor {
	s := &Supervisor{
		entries: make(map[string]*entry, len(specs)),
		version: version,
	}
	for name, spec := range specs {
		if spec.Command == "" {
			mcpLog.Warn("server_skipped_no_command", slog.String("server", name))
			continue
		}
		s.entries[name] = &entry{
			name:     name,
			spec:     spec,
			status:   StatusStopped,
			restarts: rate.NewLimiter(rate.Every(5*time.Second), 3),
		}
	}
	return s
}

// StartAll launches every configured server independently and waits until
// each has either connected or failed. One failure does not abort others.
func (s *Supervisor) StartAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			if err := s.StartServer(name); err != nil {
				mcpLog.Warn("start_failed", slog.String("server", name), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// StartServer spawns and handshakes one server. Guarded by a per-name
// starting lock so a concurrent second call fails fast. A running server is
// stopped first.
func (s *Supervisor) StartServer(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown tool server %q", name)
	}
	if e.starting {
		s.mu.Unlock()
		return fmt.Errorf("tool server %q is already starting", name)
	}
	e.starting = true
	prev := e.transport
	e.transport = nil
	e.gen++
	gen := e.gen
	e.status = StatusStarting
	e.tools = nil
	e.lastError = ""
	spec := e.spec
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	t, err := s.connect(spec)

	s.mu.Lock()
	defer func() {
		e.starting = false
		s.mu.Unlock()
	}()
	if s.closed {
		if t != nil {
			t.transport.Close()
		}
		return fmt.Errorf("supervisor shut down")
	}
	if err != nil {
		e.status = StatusError
		e.lastError = err.Error()
		return fmt.Errorf("start %s: %w", name, err)
	}
	e.transport = t.transport
	e.tools = t.tools
	e.capabilities = t.capabilities
	e.status = StatusConnected
	e.startedAt = time.Now()
	go s.watchExit(e, gen, t.transport)
	mcpLog.Info("server_connected", slog.String("server", name), slog.Int("tools", len(t.tools)))
	return nil
}

type connected struct {
	transport    *jsonrpc.Transport
	tools        []Tool
	capabilities json.RawMessage
}

// connect spawns the child and performs the protocol handshake: initialize,
// the initialized notification (best effort), then tools/list when the
// server declares tool support.
func (s *Supervisor) connect(spec config.MCPServerSpec) (*connected, error) {
	t, err := jsonrpc.Spawn(spec.Command, spec.Args, spec.Env, spec.Cwd)
	if err != nil {
		return nil, err
	}

	initParams := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo": map[string]any{
			"name":    ClientName,
			"version": s.version,
		},
		"capabilities": map[string]any{},
	}
	raw, err := t.Request("initialize", initParams, 0)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var initResult struct {
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &initResult); err != nil {
		t.Close()
		return nil, fmt.Errorf("initialize result: %w", err)
	}

	if err := t.Notify("notifications/initialized", map[string]any{}); err != nil {
		mcpLog.Debug("initialized_notify_failed", slog.String("error", err.Error()))
	}

	out := &connected{transport: t, capabilities: initResult.Capabilities}

	if hasToolsCapability(initResult.Capabilities) {
		listRaw, err := t.Request("tools/list", map[string]any{}, 0)
		if err != nil {
			mcpLog.Warn("tools_list_failed", slog.String("error", err.Error()))
		} else {
			var listResult struct {
				Tools []Tool `json:"tools"`
			}
			if err := json.Unmarshal(listRaw, &listResult); err != nil {
				mcpLog.Warn("tools_list_parse_failed", slog.String("error", err.Error()))
			} else {
				out.tools = listResult.Tools
			}
		}
	}
	return out, nil
}

func hasToolsCapability(capabilities json.RawMessage) bool {
	if len(capabilities) == 0 {
		return false
	}
	var caps map[string]json.RawMessage
	if err := json.Unmarshal(capabilities, &caps); err != nil {
		return false
	}
	_, ok := caps["tools"]
	return ok
}

// watchExit transitions the entry when its child exits unexpectedly, and
// attempts a rate-limited restart.
func (s *Supervisor) watchExit(e *entry, gen int, t *jsonrpc.Transport) {
	<-t.Done()

	s.mu.Lock()
	if s.closed || e.gen != gen {
		// Stopped or restarted deliberately; not our exit to report.
		s.mu.Unlock()
		return
	}
	e.tools = nil
	e.transport = nil
	e.status = StatusDisconnected
	if exitErr := t.ExitErr(); exitErr != nil {
		e.lastError = exitErr.Error()
	}
	allowRestart := e.restarts.Allow()
	name := e.name
	s.mu.Unlock()

	mcpLog.Warn("server_exited", slog.String("server", name), slog.Bool("restart", allowRestart))
	if !allowRestart {
		return
	}
	if err := s.StartServer(name); err != nil {
		mcpLog.Warn("auto_restart_failed", slog.String("server", name), slog.String("error", err.Error()))
	}
}

// StopServer closes the transport and returns the entry to stopped.
func (s *Supervisor) StopServer(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown tool server %q", name)
	}
	t := e.transport
	e.transport = nil
	e.gen++
	e.tools = nil
	e.status = StatusStopped
	e.lastError = ""
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
	return nil
}

// RestartServer stops then starts one server.
func (s *Supervisor) RestartServer(name string) error {
	if err := s.StopServer(name); err != nil {
		return err
	}
	return s.StartServer(name)
}

// CallTool invokes a tool on a connected server. Unknown server/tool and
// transport errors come back as CallResult with OK=false, never as an error.
func (s *Supervisor) CallTool(serverName, toolName string, arguments map[string]any) CallResult {
	s.mu.Lock()
	e, ok := s.entries[serverName]
	if !ok {
		s.mu.Unlock()
		return CallResult{Error: fmt.Sprintf("unknown tool server %q", serverName)}
	}
	if e.status != StatusConnected || e.transport == nil {
		s.mu.Unlock()
		return CallResult{Error: fmt.Sprintf("tool server %q is not connected", serverName)}
	}
	known := false
	for _, tool := range e.tools {
		if tool.Name == toolName {
			known = true
			break
		}
	}
	t := e.transport
	s.mu.Unlock()

	if !known {
		return CallResult{Error: fmt.Sprintf("tool %q not found on server %q", toolName, serverName)}
	}

	if arguments == nil {
		arguments = map[string]any{}
	}
	raw, err := t.Request("tools/call", map[string]any{
		"name":      toolName,
		"arguments": arguments,
	}, 0)
	if err != nil {
		return CallResult{Error: err.Error()}
	}

	var result struct {
		Content json.RawMessage `json:"content"`
		IsError bool            `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallResult{Error: fmt.Sprintf("malformed tools/call result: %v", err)}
	}
	return CallResult{OK: !result.IsError, Content: result.Content, IsError: result.IsError}
}

// Servers lists every entry with status and tool count.
func (s *Supervisor) Servers() []ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := ServerInfo{
			Name:      e.name,
			Status:    e.status,
			ToolCount: len(e.tools),
			Error:     e.lastError,
		}
		if !e.startedAt.IsZero() {
			t := e.startedAt
			info.StartedAt = &t
		}
		out = append(out, info)
	}
	sortServerInfo(out)
	return out
}

// Tools lists all discovered tools tagged by server name.
func (s *Supervisor) Tools() []ToolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ToolInfo
	for _, e := range s.entries {
		for _, tool := range e.tools {
			out = append(out, ToolInfo{Server: e.name, Tool: tool})
		}
	}
	sortToolInfo(out)
	return out
}

// Counts returns the number of configured servers and discovered tools.
func (s *Supervisor) Counts() (servers, tools int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	servers = len(s.entries)
	for _, e := range s.entries {
		tools += len(e.tools)
	}
	return servers, tools
}

// Shutdown closes every transport and marks the registry closed.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	var transports []*jsonrpc.Transport
	for _, e := range s.entries {
		if e.transport != nil {
			transports = append(transports, e.transport)
			e.transport = nil
		}
		e.gen++
		e.tools = nil
		e.status = StatusStopped
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range transports {
		wg.Add(1)
		go func(t *jsonrpc.Transport) {
			defer wg.Done()
			t.Close()
			<-t.Done()
		}(t)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		mcpLog.Warn("shutdown_timeout")
	}
}
