package sagex

import (
	"context"
	"encoding/json"
	"fmt"
)

// Protocol methods of the tool and resource surface.
const (
	methodToolsList     = "tools/list"
	methodToolsCall     = "tools/call"
	methodResourcesList = "resources/list"
	methodResourcesRead = "resources/read"
)

// Tool describes a callable tool and the schema its arguments must satisfy.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource identifies a piece of server-side content by URI.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent is one piece of content returned when reading a resource.
// Text and Blob are mutually exclusive; Blob carries base64-encoded bytes.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ToolResult is the outcome of a tool invocation. IsError marks a failure the
// tool itself reported, with details in Content.
type ToolResult struct {
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

type listResourcesResult struct {
	Resources []Resource `json:"resources"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type readResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// RegisterTool adds a tool to the client's local registry, listed alongside
// the server's tools. Registration is local bookkeeping only; it never
// touches the network.
func (c *Client) RegisterTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tools {
		if t.Name == tool.Name {
			return fmt.Errorf("tool %q already registered", tool.Name)
		}
	}
	c.tools = append(c.tools, tool)
	return nil
}

// RegisterResource adds a resource to the client's local registry, listed
// alongside the server's resources.
func (c *Client) RegisterResource(res Resource) error {
	if res.URI == "" {
		return fmt.Errorf("resource uri must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.resources {
		if r.URI == res.URI {
			return fmt.Errorf("resource %q already registered", res.URI)
		}
	}
	c.resources = append(c.resources, res)
	return nil
}

// ListTools returns the server's tools followed by locally registered ones.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.session.Request(ctx, methodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("failed to list tools: %w", *res.Error)
	}

	var out listToolsResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return nil, &ProtocolError{MsgID: string(res.ID), Reason: "malformed tools list", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append(out.Tools, c.tools...), nil
}

// ExecuteTool invokes a named tool on the server with the given arguments.
func (c *Client) ExecuteTool(ctx context.Context, name string, args any) (ToolResult, error) {
	var rawArgs json.RawMessage
	if args != nil {
		bs, err := json.Marshal(args)
		if err != nil {
			return ToolResult{}, fmt.Errorf("failed to marshal tool arguments: %w", err)
		}
		rawArgs = bs
	}

	res, err := c.session.Request(ctx, methodToolsCall, callToolParams{Name: name, Arguments: rawArgs})
	if err != nil {
		return ToolResult{}, err
	}
	if res.Error != nil {
		return ToolResult{}, fmt.Errorf("tool %q failed: %w", name, *res.Error)
	}

	var out ToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return ToolResult{}, &ProtocolError{MsgID: string(res.ID), Reason: "malformed tool result", Err: err}
	}
	return out, nil
}

// ListResources returns the server's resources followed by locally
// registered ones.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	res, err := c.session.Request(ctx, methodResourcesList, struct{}{})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("failed to list resources: %w", *res.Error)
	}

	var out listResourcesResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return nil, &ProtocolError{MsgID: string(res.ID), Reason: "malformed resources list", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append(out.Resources, c.resources...), nil
}

// GetResource reads the content of the resource identified by uri.
func (c *Client) GetResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	res, err := c.session.Request(ctx, methodResourcesRead, readResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("failed to read resource %q: %w", uri, *res.Error)
	}

	var out readResourceResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return nil, &ProtocolError{MsgID: string(res.ID), Reason: "malformed resource content", Err: err}
	}
	return out.Contents, nil
}
