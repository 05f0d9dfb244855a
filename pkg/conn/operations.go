package conn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// paginationParams carries the cursor for list operations.
type paginationParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListTools returns the server's full tool catalog, following pagination
// cursors until exhausted.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if s.capabilities.Tools == nil {
		return nil, fmt.Errorf("server %s does not support tools", s.serverInfo.Name)
	}

	ctx, cancel := requestTimeoutContext(ctx)
	defer cancel()

	var tools []mcp.Tool
	cursor := ""
	for {
		raw, err := s.Call(ctx, "tools/list", listParams(cursor))
		if err != nil {
			return nil, fmt.Errorf("listing tools: %w", err)
		}

		var page mcp.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decoding tool list: %w", err)
		}
		tools = append(tools, page.Tools...)

		cursor = string(page.NextCursor)
		if cursor == "" {
			return tools, nil
		}
	}
}

// CallTool invokes one tool by name.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if s.capabilities.Tools == nil {
		return nil, fmt.Errorf("server %s does not support tools", s.serverInfo.Name)
	}

	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{Name: name, Arguments: args}

	raw, err := s.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("calling tool %s: %w", name, err)
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("decoding result of tool %s: %w", name, err)
	}
	return result, nil
}

// ListResources returns the server's full resource catalog.
func (s *Session) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	if s.capabilities.Resources == nil {
		return nil, fmt.Errorf("server %s does not support resources", s.serverInfo.Name)
	}

	ctx, cancel := requestTimeoutContext(ctx)
	defer cancel()

	var resources []mcp.Resource
	cursor := ""
	for {
		raw, err := s.Call(ctx, "resources/list", listParams(cursor))
		if err != nil {
			return nil, fmt.Errorf("listing resources: %w", err)
		}

		var page mcp.ListResourcesResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decoding resource list: %w", err)
		}
		resources = append(resources, page.Resources...)

		cursor = string(page.NextCursor)
		if cursor == "" {
			return resources, nil
		}
	}
}

// ReadResource retrieves one resource by URI.
func (s *Session) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if s.capabilities.Resources == nil {
		return nil, fmt.Errorf("server %s does not support resources", s.serverInfo.Name)
	}

	params := struct {
		URI string `json:"uri"`
	}{URI: uri}

	raw, err := s.Call(ctx, "resources/read", params)
	if err != nil {
		return nil, fmt.Errorf("reading resource %s: %w", uri, err)
	}

	result, err := mcp.ParseReadResourceResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("decoding resource %s: %w", uri, err)
	}
	return result, nil
}

// ListPrompts returns the server's full prompt catalog.
func (s *Session) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	if s.capabilities.Prompts == nil {
		return nil, fmt.Errorf("server %s does not support prompts", s.serverInfo.Name)
	}

	ctx, cancel := requestTimeoutContext(ctx)
	defer cancel()

	var prompts []mcp.Prompt
	cursor := ""
	for {
		raw, err := s.Call(ctx, "prompts/list", listParams(cursor))
		if err != nil {
			return nil, fmt.Errorf("listing prompts: %w", err)
		}

		var page mcp.ListPromptsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decoding prompt list: %w", err)
		}
		prompts = append(prompts, page.Prompts...)

		cursor = string(page.NextCursor)
		if cursor == "" {
			return prompts, nil
		}
	}
}

// GetPrompt retrieves one prompt by name.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if s.capabilities.Prompts == nil {
		return nil, fmt.Errorf("server %s does not support prompts", s.serverInfo.Name)
	}

	params := struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}{Name: name, Arguments: args}

	raw, err := s.Call(ctx, "prompts/get", params)
	if err != nil {
		return nil, fmt.Errorf("getting prompt %s: %w", name, err)
	}

	result, err := mcp.ParseGetPromptResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("decoding prompt %s: %w", name, err)
	}
	return result, nil
}

// listParams returns nil for the first page so the request carries no
// params object at all.
func listParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return paginationParams{Cursor: cursor}
}
