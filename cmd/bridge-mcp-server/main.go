// bridge-mcp-server is a stdio MCP server exposing workspace inspection
// tools to bridged sessions.
//
// It uses the official github.com/modelcontextprotocol/go-sdk. Configure it
// as an external MCP server so the CLI spawns it alongside a session:
//
//	MCPServers: map[string]MCPServerConfig{
//	    "workspace": {Command: "./bridge-mcp-server"},
//	}
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ListDirArgs is the input schema for the list_dir tool.
type ListDirArgs struct {
	Path string `json:"path" jsonschema:"Directory to list"`
}

// StatFileArgs is the input schema for the stat_file tool.
type StatFileArgs struct {
	Path string `json:"path" jsonschema:"File to inspect"`
}

func main() {
	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "bridge-mcp-server",
			Version: "1.0.0",
		},
		nil,
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory",
	}, func(
		ctx context.Context,
		req *mcp.CallToolRequest,
		args ListDirArgs,
	) (*mcp.CallToolResult, any, error) {
		entries, err := os.ReadDir(args.Path)
		if err != nil {
			return nil, nil, err
		}
		var out string
		for _, entry := range entries {
			suffix := ""
			if entry.IsDir() {
				suffix = "/"
			}
			out += entry.Name() + suffix + "\n"
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out}},
		}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "stat_file",
		Description: "Report size and modification time of a file",
	}, func(
		ctx context.Context,
		req *mcp.CallToolRequest,
		args StatFileArgs,
	) (*mcp.CallToolResult, any, error) {
		info, err := os.Stat(args.Path)
		if err != nil {
			return nil, nil, err
		}
		text := fmt.Sprintf("%s: %d bytes, modified %s",
			filepath.Base(args.Path), info.Size(),
			info.ModTime().Format(time.RFC3339))
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "host_info",
		Description: "Report the bridge host OS and architecture",
	}, func(
		ctx context.Context,
		req *mcp.CallToolRequest,
		_ struct{},
	) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{
				Text: runtime.GOOS + "/" + runtime.GOARCH,
			}},
		}, nil, nil
	})

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
