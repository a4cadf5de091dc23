package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cast"

	"github.com/monsterxx03/tracer/pkg/proc"
)

type toolFunc func(ctx context.Context, args map[string]any) (any, error)

// MCP publishes the Service as MCP tools.
type MCP struct {
	svc    *Service
	server *server.MCPServer
	tools  map[string]toolFunc
}

func NewMCP(svc *Service, version string) *MCP {
	m := &MCP{
		svc:    svc,
		server: server.NewMCPServer("tracer", version, server.WithToolCapabilities(false)),
		tools:  map[string]toolFunc{},
	}
	pidArg := mcp.WithNumber("pid", mcp.Required(), mcp.Description("traced process id"))

	m.add(mcp.NewTool("list_processes",
		mcp.WithDescription("List traced processes with their state and event counters")),
		func(ctx context.Context, _ map[string]any) (any, error) {
			return svc.Processes(ctx)
		})
	m.add(mcp.NewTool("attach",
		mcp.WithDescription("Start tracing a running process"),
		pidArg,
		mcp.WithBoolean("second_chance", mcp.Description("deliver second chance exceptions"))),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			var opts proc.Options
			if cast.ToBool(args["second_chance"]) {
				opts |= proc.OptionSecondChance
			}
			h, err := svc.Attach(ctx, pid, opts)
			return map[string]string{"handle": h.String()}, err
		})
	m.add(mcp.NewTool("detach",
		mcp.WithDescription("Stop tracing a process and remove all its breakpoints"),
		pidArg),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			return map[string]bool{"detached": true}, svc.Detach(ctx, pid)
		})
	m.add(mcp.NewTool("list_threads",
		mcp.WithDescription("List the threads of a traced process"),
		pidArg),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			return svc.Threads(ctx, pid)
		})
	m.add(mcp.NewTool("list_modules",
		mcp.WithDescription("List the modules loaded in a traced process"),
		pidArg),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			return svc.Modules(ctx, pid)
		})
	m.add(mcp.NewTool("memory_map",
		mcp.WithDescription("Reload and list the memory areas of a traced process"),
		pidArg),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			return svc.Maps(ctx, pid)
		})
	m.add(mcp.NewTool("read_memory",
		mcp.WithDescription("Read process memory as hex"),
		pidArg,
		mcp.WithString("address", mcp.Required(), mcp.Description("start address, decimal or 0x hex")),
		mcp.WithNumber("size", mcp.Description("bytes to read, 64 by default"))),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			addr, err := argAddress(args, "address")
			if err != nil {
				return nil, err
			}
			size := 64
			if v, ok := args["size"]; ok {
				if size, err = cast.ToIntE(v); err != nil {
					return nil, fmt.Errorf("size: %w", err)
				}
			}
			return svc.ReadMemory(ctx, pid, addr, size)
		})
	m.add(mcp.NewTool("find_export",
		mcp.WithDescription("Resolve an exported symbol, as module!name or name"),
		pidArg,
		mcp.WithString("name", mcp.Required())),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			name := cast.ToString(args["name"])
			addr, err := svc.Export(ctx, pid, name)
			return map[string]string{"name": name, "address": hexAddr(addr)}, err
		})
	m.add(mcp.NewTool("list_breakpoints",
		mcp.WithDescription("List breakpoints with hit counts"),
		pidArg),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			return svc.Breakpoints(ctx, pid)
		})
	m.add(mcp.NewTool("set_breakpoint",
		mcp.WithDescription("Set a counting breakpoint at an address or exported symbol"),
		pidArg,
		mcp.WithString("address", mcp.Description("decimal or 0x hex address")),
		mcp.WithString("symbol", mcp.Description("module!name or name, used instead of address")),
		mcp.WithBoolean("hardware", mcp.Description("use a debug register")),
		mcp.WithString("type", mcp.Description("hardware type: execute, write or readwrite")),
		mcp.WithNumber("size", mcp.Description("hardware watch size: 1, 2, 4 or 8")),
		mcp.WithBoolean("one_shot", mcp.Description("remove after the first hit"))),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			req := BreakpointRequest{
				Symbol:   cast.ToString(args["symbol"]),
				Hardware: cast.ToBool(args["hardware"]),
				Type:     cast.ToString(args["type"]),
				Size:     cast.ToInt(args["size"]),
				OneShot:  cast.ToBool(args["one_shot"]),
			}
			if req.Symbol == "" {
				if req.Address, err = argAddress(args, "address"); err != nil {
					return nil, err
				}
			}
			return svc.SetBreakpoint(ctx, pid, req)
		})
	m.add(mcp.NewTool("remove_breakpoint",
		mcp.WithDescription("Remove a breakpoint by id"),
		pidArg,
		mcp.WithNumber("id", mcp.Required())),
		func(ctx context.Context, args map[string]any) (any, error) {
			pid, err := argPID(args)
			if err != nil {
				return nil, err
			}
			id, err := cast.ToUint64E(args["id"])
			if err != nil {
				return nil, fmt.Errorf("id: %w", err)
			}
			return map[string]uint64{"removed": id}, svc.RemoveBreakpoint(ctx, pid, id)
		})
	return m
}

func (m *MCP) add(tool mcp.Tool, fn toolFunc) {
	m.tools[tool.Name] = fn
	m.server.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return m.call(ctx, tool.Name, req.GetArguments())
	})
}

// call runs a tool. Failures are reported inside the result so the client
// model can see them.
func (m *MCP) call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	fn, ok := m.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	out, err := fn(ctx, args)
	if err != nil {
		m.svc.log.WithError(err).WithField("tool", name).Debug("tool failed")
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCP) Server() *server.MCPServer { return m.server }

// ServeStdio serves MCP on stdin and stdout until the client goes away.
func (m *MCP) ServeStdio() error {
	return server.ServeStdio(m.server)
}

func argPID(args map[string]any) (int, error) {
	v, ok := args["pid"]
	if !ok {
		return 0, fmt.Errorf("pid is required")
	}
	pid, err := cast.ToIntE(v)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %v", v)
	}
	return pid, nil
}

// argAddress accepts numbers as well as decimal or hex strings.
func argAddress(args map[string]any, key string) (uint64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	if s, ok := v.(string); ok {
		return ParseAddress(s)
	}
	addr, err := cast.ToUint64E(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %v", key, v)
	}
	return addr, nil
}
