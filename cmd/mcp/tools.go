package main

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	dc "github.com/AnishMulay/sandmeta/internal/dentry_cache"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
	"github.com/AnishMulay/sandmeta/servers/node"
)

type toolHandler func(ctx context.Context, request mcp.CallToolRequest, s *node.Session) (*mcp.CallToolResult, error)

func pathArg(desc string) mcp.ToolOption {
	return mcp.WithString("path", mcp.Required(), mcp.Description(desc))
}

func addTools(s *server.MCPServer, session *node.Session) {
	add := func(tool mcp.Tool, h toolHandler) {
		s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return h(ctx, request, session)
		})
	}

	add(mcp.NewTool("list_replicas",
		mcp.WithDescription("List metadata replicas and their liveness"),
	), handleListReplicas)
	add(mcp.NewTool("stat",
		mcp.WithDescription("Show the attributes of a path"),
		pathArg("Absolute path"),
	), handleStat)
	add(mcp.NewTool("list_directory",
		mcp.WithDescription("List a directory, one fragment at a time"),
		pathArg("Absolute directory path"),
	), handleListDirectory)
	add(mcp.NewTool("mkdir",
		mcp.WithDescription("Create a directory"),
		pathArg("Absolute path of the new directory"),
	), handleMkdir)
	add(mcp.NewTool("create",
		mcp.WithDescription("Create an empty regular file"),
		pathArg("Absolute path of the new file"),
	), handleCreate)
	add(mcp.NewTool("remove",
		mcp.WithDescription("Remove a file or an empty directory"),
		pathArg("Absolute path to remove"),
	), handleRemove)
	add(mcp.NewTool("rename",
		mcp.WithDescription("Move a path to a new name"),
		mcp.WithString("from", mcp.Required(), mcp.Description("Current absolute path")),
		mcp.WithString("to", mcp.Required(), mcp.Description("New absolute path")),
	), handleRename)
	add(mcp.NewTool("dirstat",
		mcp.WithDescription("Recursive statistics of a directory"),
		pathArg("Absolute directory path"),
	), handleDirStat)
}

func toolError(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

func splitPath(p string) (dir, name string) {
	p = path.Clean("/" + p)
	return path.Split(p)
}

func handleListReplicas(ctx context.Context, request mcp.CallToolRequest, s *node.Session) (*mcp.CallToolResult, error) {
	replicas, err := s.Membership.GetAllNodes()
	if err != nil {
		return toolError("list_replicas", err), nil
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].ID < replicas[j].ID })
	var b strings.Builder
	b.WriteString("Metadata replicas:\n")
	for _, r := range replicas {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", r.ID, r.Address, r.Status)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func handleStat(ctx context.Context, request mcp.CallToolRequest, s *node.Session) (*mcp.CallToolResult, error) {
	p, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	_, attr, err := s.Walk(ctx, p)
	if err != nil {
		return toolError("stat", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("ino=%s mode=%#o nlink=%d size=%d", attr.Ino, attr.Mode, attr.Nlink, attr.Size)), nil
}

func handleListDirectory(ctx context.Context, request mcp.CallToolRequest, s *node.Session) (*mcp.CallToolResult, error) {
	p, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dir, _, err := s.Walk(ctx, p)
	if err != nil {
		return toolError("list_directory", err), nil
	}
	r, err := s.OpenDir(ctx, dir)
	if err != nil {
		return toolError("list_directory", err), nil
	}
	var b strings.Builder
	for {
		e, ok, err := r.Next(ctx)
		if err != nil {
			return toolError("list_directory", err), nil
		}
		if !ok {
			break
		}
		suffix := ""
		if e.Type == ms.ModeDir {
			suffix = "/"
		}
		fmt.Fprintf(&b, "%s%s\n", e.Name, suffix)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// parentOf walks to the directory holding p.
func parentOf(ctx context.Context, request mcp.CallToolRequest, s *node.Session, key string) (dc.NodeID, string, error) {
	p, err := request.RequireString(key)
	if err != nil {
		return dc.NoNode, "", err
	}
	dir, name := splitPath(p)
	if name == "" {
		return dc.NoNode, "", fmt.Errorf("%w: %s names the root", ms.ErrInvalidArgument, key)
	}
	parent, _, err := s.Walk(ctx, dir)
	return parent, name, err
}

func handleMkdir(ctx context.Context, request mcp.CallToolRequest, s *node.Session) (*mcp.CallToolResult, error) {
	parent, name, err := parentOf(ctx, request, s, "path")
	if err != nil {
		return toolError("mkdir", err), nil
	}
	_, attr, err := s.Mkdir(ctx, parent, name, 0o755)
	if err != nil {
		return toolError("mkdir", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Directory created, ino=%s", attr.Ino)), nil
}

func handleCreate(ctx context.Context, request mcp.CallToolRequest, s *node.Session) (*mcp.CallToolResult, error) {
	parent, name, err := parentOf(ctx, request, s, "path")
	if err != nil {
		return toolError("create", err), nil
	}
	_, attr, err := s.Create(ctx, parent, name, 0o644)
	if err != nil {
		return toolError("create", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("File created, ino=%s", attr.Ino)), nil
}

func handleRemove(ctx context.Context, request mcp.CallToolRequest, s *node.Session) (*mcp.CallToolResult, error) {
	parent, name, err := parentOf(ctx, request, s, "path")
	if err != nil {
		return toolError("remove", err), nil
	}
	_, attr, err := s.Lookup(ctx, parent, name)
	if err != nil {
		return toolError("remove", err), nil
	}
	if attr.IsDir() {
		err = s.Rmdir(ctx, parent, name)
	} else {
		err = s.Unlink(ctx, parent, name)
	}
	if err != nil {
		return toolError("remove", err), nil
	}
	return mcp.NewToolResultText("Removed"), nil
}

func handleRename(ctx context.Context, request mcp.CallToolRequest, s *node.Session) (*mcp.CallToolResult, error) {
	srcParent, srcName, err := parentOf(ctx, request, s, "from")
	if err != nil {
		return toolError("rename", err), nil
	}
	dstParent, dstName, err := parentOf(ctx, request, s, "to")
	if err != nil {
		return toolError("rename", err), nil
	}
	if _, err := s.Rename(ctx, srcParent, srcName, dstParent, dstName); err != nil {
		return toolError("rename", err), nil
	}
	return mcp.NewToolResultText("Renamed"), nil
}

func handleDirStat(ctx context.Context, request mcp.CallToolRequest, s *node.Session) (*mcp.CallToolResult, error) {
	p, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dir, _, err := s.Walk(ctx, p)
	if err != nil {
		return toolError("dirstat", err), nil
	}
	text, err := s.DirStat(ctx, dir)
	if err != nil {
		return toolError("dirstat", err), nil
	}
	return mcp.NewToolResultText(text), nil
}
