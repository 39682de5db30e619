package observer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// jsonRPCRequest is a JSON-RPC 2.0 request from an agent's MCP layer.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonRPCResponse is a JSON-RPC 2.0 response written back to the agent.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toolCallParams holds the params for a tools/call request.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolListResult struct {
	Tools []toolDef `json:"tools"`
}

type toolDef struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema toolDefInputSchema `json:"inputSchema"`
}

type toolDefInputSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]toolDefProperty `json:"properties"`
	Required   []string                   `json:"required,omitempty"`
}

type toolDefProperty struct {
	Type        string           `json:"type"`
	Description string           `json:"description"`
	Items       *toolDefProperty `json:"items,omitempty"`
}

// mcpContentBlock is a single content block in the MCP response.
type mcpContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolRoute maps a tool onto an observer endpoint. GET routes send the
// listed arguments as query parameters.
type toolRoute struct {
	method string
	path   string   // appended to /sessions/{id}
	query  []string // "arg" or "arg:param"
	role   bool     // inject the bridge's role
	agent  bool     // inject the bridge's agent id
}

var toolRoutes = map[string]toolRoute{
	"record_turn":       {method: http.MethodPost, path: "/turns", role: true, agent: true},
	"record_reasoning":  {method: http.MethodPost, path: "/reasoning", role: true, agent: true},
	"advance":           {method: http.MethodPost, path: "/advance", role: true, agent: true},
	"check_phases":      {method: http.MethodGet, path: "/phases", query: []string{"group_id:group", "role", "agent_id:agent"}, role: true, agent: true},
	"save_event":        {method: http.MethodPost, path: "/events"},
	"list_events":       {method: http.MethodGet, path: "/events", query: []string{"group_id:group", "subtype"}},
	"report_usage":      {method: http.MethodPost, path: "/usage", role: true, agent: true},
	"save_skill_output": {method: http.MethodPost, path: "/skills", role: true},
}

var str = toolDefProperty{Type: "string"}

func prop(typ, desc string) toolDefProperty { return toolDefProperty{Type: typ, Description: desc} }

var bridgeTools = []toolDef{
	{
		Name:        "record_turn",
		Description: "Record your turn output in the session log",
		InputSchema: toolDefInputSchema{
			Type: "object",
			Properties: map[string]toolDefProperty{
				"group_id": prop("string", "Task group you are working on"),
				"content":  prop("string", "Full text of your turn"),
				"seq":      prop("integer", "Sequence number; omitted means next"),
			},
			Required: []string{"content"},
		},
	},
	{
		Name:        "record_reasoning",
		Description: "Record your reasoning at a phase (understanding, approach, risks, decisions, completion)",
		InputSchema: toolDefInputSchema{
			Type: "object",
			Properties: map[string]toolDefProperty{
				"group_id": prop("string", "Task group you are working on"),
				"phase":    prop("string", "Reasoning phase"),
				"content":  prop("string", "Your reasoning"),
			},
			Required: []string{"phase", "content"},
		},
	},
	{
		Name:        "advance",
		Description: "Report your outcome markers and get the next action",
		InputSchema: toolDefInputSchema{
			Type: "object",
			Properties: map[string]toolDefProperty{
				"group_id": prop("string", "Task group you are working on"),
				"markers":  {Type: "array", Description: "Outcome markers, e.g. READY_FOR_REVIEW", Items: &str},
				"output":   prop("string", "Output text to extract markers from when markers is empty"),
			},
		},
	},
	{
		Name:        "check_phases",
		Description: "List the reasoning phases you still have to record",
		InputSchema: toolDefInputSchema{
			Type: "object",
			Properties: map[string]toolDefProperty{
				"group_id": prop("string", "Task group you are working on"),
			},
		},
	},
	{
		Name:        "save_event",
		Description: "Save a ledger event; saving the same key again replaces it",
		InputSchema: toolDefInputSchema{
			Type: "object",
			Properties: map[string]toolDefProperty{
				"group_id":  prop("string", "Task group"),
				"iteration": prop("integer", "Revision the event belongs to"),
				"subtype":   prop("string", "Event subtype, e.g. review_issues"),
				"payload":   prop("object", "Event payload"),
			},
			Required: []string{"subtype", "payload"},
		},
	},
	{
		Name:        "list_events",
		Description: "Read ledger events, optionally filtered by group and subtype",
		InputSchema: toolDefInputSchema{
			Type: "object",
			Properties: map[string]toolDefProperty{
				"group_id": prop("string", "Task group"),
				"subtype":  prop("string", "Event subtype"),
			},
		},
	},
	{
		Name:        "report_usage",
		Description: "Report tokens consumed by your turn",
		InputSchema: toolDefInputSchema{
			Type: "object",
			Properties: map[string]toolDefProperty{
				"group_id":   prop("string", "Task group"),
				"tokens_in":  prop("integer", "Prompt tokens"),
				"tokens_out": prop("integer", "Completion tokens"),
			},
			Required: []string{"tokens_in", "tokens_out"},
		},
	},
	{
		Name:        "save_skill_output",
		Description: "Store structured output produced by a skill",
		InputSchema: toolDefInputSchema{
			Type: "object",
			Properties: map[string]toolDefProperty{
				"skill":  prop("string", "Skill name"),
				"output": prop("object", "Skill output"),
			},
			Required: []string{"skill", "output"},
		},
	},
}

// BridgeConfig identifies the agent a bridge serves. Role and AgentID are
// injected into every tool call that does not set them.
type BridgeConfig struct {
	Addr      string // observer address, host:port
	SessionID string
	Role      string
	AgentID   string
	Client    *http.Client
}

// RunBridge runs the MCP stdio bridge, reading JSON-RPC lines from in and
// forwarding tool calls to the observer server. It returns when in is
// exhausted or ctx is done.
func RunBridge(ctx context.Context, cfg BridgeConfig, in io.Reader, out io.Writer) error {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	write := func(resp jsonRPCResponse) {
		resp.JSONRPC = "2.0"
		data, _ := json.Marshal(resp)
		_, _ = out.Write(append(data, '\n'))
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			write(jsonRPCResponse{ID: req.ID, Error: &jsonRPCError{Code: -32700, Message: fmt.Sprintf("parse error: %v", err)}})
			continue
		}

		switch req.Method {
		case "initialize":
			result, _ := json.Marshal(map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "baton", "version": "1.0.0"},
			})
			write(jsonRPCResponse{ID: req.ID, Result: result})

		case "notifications/initialized":
			// No response needed for notifications.

		case "tools/list":
			result, _ := json.Marshal(toolListResult{Tools: bridgeTools})
			write(jsonRPCResponse{ID: req.ID, Result: result})

		case "tools/call":
			var params toolCallParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				write(jsonRPCResponse{ID: req.ID, Error: &jsonRPCError{Code: -32602, Message: fmt.Sprintf("invalid params: %v", err)}})
				continue
			}
			route, ok := toolRoutes[params.Name]
			if !ok {
				write(jsonRPCResponse{ID: req.ID, Error: &jsonRPCError{Code: -32601, Message: fmt.Sprintf("unknown tool: %s", params.Name)}})
				continue
			}
			text, failed := cfg.call(ctx, params.Name, route, params.Arguments)
			write(jsonRPCResponse{ID: req.ID, Result: marshalMCPContent(text, failed)})

		default:
			write(jsonRPCResponse{ID: req.ID, Error: &jsonRPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}})
		}
	}

	return scanner.Err()
}

// call forwards one tool call and returns the response text and whether it
// is an error.
func (cfg BridgeConfig) call(ctx context.Context, tool string, route toolRoute, rawArgs json.RawMessage) (string, bool) {
	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return fmt.Sprintf("invalid arguments: %v", err), true
		}
	}
	if route.role {
		inject(args, "role", cfg.Role)
	}
	if route.agent {
		inject(args, "agent_id", cfg.AgentID)
	}
	if tool == "record_turn" {
		if _, ok := args["seq"]; !ok {
			seq, err := cfg.nextSeq(ctx)
			if err != nil {
				return fmt.Sprintf("allocating sequence number: %v", err), true
			}
			args["seq"] = seq
		}
	}

	endpoint := fmt.Sprintf("http://%s/sessions/%s%s", cfg.Addr, url.PathEscape(cfg.SessionID), route.path)
	var body io.Reader
	if route.method == http.MethodGet {
		q := url.Values{}
		for _, spec := range route.query {
			arg, param, ok := strings.Cut(spec, ":")
			if !ok {
				param = arg
			}
			if v, ok := args[arg]; ok {
				q.Set(param, fmt.Sprint(v))
			}
		}
		if len(q) > 0 {
			endpoint += "?" + q.Encode()
		}
	} else {
		data, _ := json.Marshal(args)
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, route.method, endpoint, body)
	if err != nil {
		return fmt.Sprintf("building request: %v", err), true
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return fmt.Sprintf("observer request failed: %v", err), true
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("reading observer response: %v", err), true
	}
	return string(bytes.TrimSpace(respBody)), resp.StatusCode >= http.StatusBadRequest
}

func (cfg BridgeConfig) nextSeq(ctx context.Context) (int64, error) {
	endpoint := fmt.Sprintf("http://%s/sessions/%s/turns/next", cfg.Addr, url.PathEscape(cfg.SessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("observer returned %s", resp.Status)
	}
	var out struct {
		Seq int64 `json:"seq"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Seq, nil
}

func marshalMCPContent(text string, isError bool) json.RawMessage {
	result := map[string]any{
		"content": []mcpContentBlock{{Type: "text", Text: text}},
	}
	if isError {
		result["isError"] = true
	}
	data, _ := json.Marshal(result)
	return data
}

// inject sets key to value unless the caller already provided it.
func inject(args map[string]any, key, value string) {
	if value == "" {
		return
	}
	if _, exists := args[key]; !exists {
		args[key] = value
	}
}
