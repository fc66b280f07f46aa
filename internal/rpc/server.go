// Package rpc serves the workspace over JSON-RPC on stdio. Messages are
// either Content-Length framed or one JSON object per line; the reply uses
// the framing of the request.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/internal/ledger"
	"github.com/xiy/projmem/internal/workspace"
)

const (
	jsonRPCVersion         = "2.0"
	defaultProtocolVersion = "2024-11-05"
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
)

// Version is reported in the initialize handshake.
var Version = "0.1.0"

// RequestSink receives one summary per handled request.
type RequestSink interface {
	LogRequest(ctx context.Context, rec ledger.Request) error
}

// Server handles JSON-RPC messages for one workspace.
type Server struct {
	ws     *workspace.Workspace
	name   string
	logger *log.Logger
	sink   RequestSink

	requests atomic.Uint64
	failures atomic.Uint64
}

// Stats counts the requests a server has handled.
type Stats struct {
	Requests uint64    `json:"requests"`
	Errors   uint64    `json:"errors"`
	At       time.Time `json:"ts"`
}

// NewServer creates a server. sink may be nil.
func NewServer(ws *workspace.Workspace, name string, logger *log.Logger, sink RequestSink) *Server {
	if name == "" {
		name = "projmem"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{ws: ws, name: name, logger: logger, sink: sink}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the peer expects no reply.
func (r request) notification() bool { return len(r.ID) == 0 }

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolResult is the tools/call result. Tool failures are results with
// IsError set, not JSON-RPC errors.
type toolResult struct {
	Content           []textContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError"`
}

func (r toolResult) text() string {
	if len(r.Content) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Content[0].Text)
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Serve reads requests from in until EOF or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	dec := newDecoder(in)
	enc := newEncoder(out)

	for ctx.Err() == nil {
		body, f, err := dec.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var req request
		if err := json.Unmarshal(body, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "framing", f, "error", err)
			resp := failure(nil, codeParseError, "parse error", err.Error())
			s.record(ctx, request{Method: "parse_error"}, resp, 0)
			if err := enc.send(resp, f); err != nil {
				return err
			}
			continue
		}

		started := time.Now()
		resp, reply := s.handle(ctx, req)
		s.record(ctx, req, resp, time.Since(started))
		if !reply {
			continue
		}
		if err := enc.send(resp, f); err != nil {
			return err
		}
	}
	return ctx.Err()
}

type methodFunc func(s *Server, ctx context.Context, params json.RawMessage) any

var methods = map[string]methodFunc{
	"initialize": (*Server).initialize,
	"ping":       func(*Server, context.Context, json.RawMessage) any { return struct{}{} },
	"tools/list": func(*Server, context.Context, json.RawMessage) any {
		return map[string]any{"tools": toolDefinitions()}
	},
	"tools/call": (*Server).toolsCall,
}

// handle answers one request. The bool is false for notifications, which
// get no reply.
func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.requests.Add(1)
	id := decodeID(req.ID)

	fn, ok := methods[req.Method]
	switch {
	case strings.HasPrefix(req.Method, "notifications/"):
		return response{}, false
	case !ok:
		return failure(id, codeMethodNotFound, "method not found", req.Method), !req.notification()
	}
	return response{JSONRPC: jsonRPCVersion, ID: id, Result: fn(s, ctx, req.Params)}, !req.notification()
}

func (s *Server) initialize(_ context.Context, params json.RawMessage) any {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(params, &p)
	version := strings.TrimSpace(p.ProtocolVersion)
	if version == "" {
		version = defaultProtocolVersion
	}
	return initializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
		ServerInfo:      serverInfo{Name: s.name, Version: Version},
	}
}

func (s *Server) toolsCall(ctx context.Context, params json.RawMessage) any {
	res, err := s.handleToolCall(ctx, params)
	if err != nil {
		s.failures.Add(1)
		return toolResult{Content: []textContent{{Type: "text", Text: err.Error()}}, IsError: true}
	}
	return res
}

func (s *Server) record(ctx context.Context, req request, resp response, d time.Duration) {
	if s.sink == nil {
		return
	}
	ok, errText := outcome(resp)
	rec := ledger.Request{
		Transport:  "rpc",
		Method:     strings.TrimSpace(req.Method),
		ToolName:   toolName(req),
		Success:    ok,
		ErrorText:  errText,
		DurationMS: d.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.sink.LogRequest(ctx, rec); err != nil {
		s.logger.Warn("failed to persist request log", "error", err)
	}
}

// outcome reports whether resp succeeded and, if not, why.
func outcome(resp response) (bool, string) {
	if resp.Error != nil {
		return false, strings.TrimSpace(resp.Error.Message)
	}
	res, ok := resp.Result.(toolResult)
	if !ok || !res.IsError {
		return true, ""
	}
	if text := res.text(); text != "" {
		return false, text
	}
	return false, "tool call failed"
}

func toolName(req request) string {
	if req.Method != "tools/call" || len(req.Params) == 0 {
		return ""
	}
	var p struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(req.Params, &p) != nil {
		return ""
	}
	return strings.TrimSpace(p.Name)
}

func success(v any) (toolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{
		Content:           []textContent{{Type: "text", Text: string(b)}},
		StructuredContent: v,
	}, nil
}

func failure(id any, code int, msg string, data any) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Snapshot returns the request counters.
func (s *Server) Snapshot() Stats {
	return Stats{
		Requests: s.requests.Load(),
		Errors:   s.failures.Load(),
		At:       time.Now().UTC(),
	}
}
