package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/monsterxx03/tracer/pkg/api"
	"github.com/monsterxx03/tracer/pkg/config"
	"github.com/monsterxx03/tracer/pkg/logflags"
	"github.com/monsterxx03/tracer/pkg/proc"
	"github.com/monsterxx03/tracer/pkg/termui"
)

var (
	gitVer  string
	buildAt string
)

func version() string {
	if gitVer == "" {
		return "dev"
	}
	return gitVer
}

var pidFlag = &cli.IntFlag{
	Name:     "pid",
	Aliases:  []string{"p"},
	Usage:    "target process id",
	Required: true,
}

func newTable() *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	return table
}

func main() {
	app := &cli.App{
		Name:    "tracer",
		Usage:   "trace processes, their threads, modules and breakpoints",
		Version: version(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file, defaults to tracer/" + config.DefaultFile + " in the user config dir",
				EnvVars: []string{"TRACER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level: trace, debug, info, warn, error",
				EnvVars: []string{"TRACER_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-layers",
				Usage:   "comma separated layers to log: core, dispatch, breakpoint, native, inject, api",
				EnvVars: []string{"TRACER_LOG_LAYERS"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "trace",
				Aliases:   []string{"t"},
				Usage:     "attach to --pid, or start a program, and print its debug events",
				ArgsUsage: "[program [args...]]",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "pid", Aliases: []string{"p"}, Usage: "process id to attach to"},
					&cli.StringSliceFlag{Name: "break", Aliases: []string{"b"}, Usage: "set a breakpoint on an export, module!name or address"},
					&cli.BoolFlag{Name: "second-chance", Usage: "report second chance exceptions"},
				},
				Action: traceCommand,
			},
			{
				Name:   "threads",
				Usage:  "list the threads of a process",
				Flags:  []cli.Flag{pidFlag},
				Action: threadsCommand,
			},
			{
				Name:   "modules",
				Usage:  "list the modules loaded by a process",
				Flags:  []cli.Flag{pidFlag},
				Action: modulesCommand,
			},
			{
				Name:   "maps",
				Usage:  "dump the memory map of a process",
				Flags:  []cli.Flag{pidFlag},
				Action: mapsCommand,
			},
			{
				Name:  "read",
				Usage: "read process memory",
				Flags: []cli.Flag{
					pidFlag,
					&cli.StringFlag{Name: "addr", Aliases: []string{"a"}, Usage: "address, hex with 0x prefix or decimal", Required: true},
					&cli.IntFlag{Name: "size", Aliases: []string{"n"}, Usage: "bytes to read", Value: 64},
					&cli.BoolFlag{Name: "string", Aliases: []string{"s"}, Usage: "read a NUL terminated string"},
				},
				Action: readCommand,
			},
			{
				Name:  "export",
				Usage: "resolve an exported symbol, or list the exports of --module",
				Flags: []cli.Flag{
					pidFlag,
					&cli.StringFlag{Name: "name", Usage: "name or module!name"},
					&cli.StringFlag{Name: "module", Aliases: []string{"m"}, Usage: "module to list"},
				},
				Action: exportCommand,
			},
			{
				Name:    "top",
				Aliases: []string{"tp"},
				Usage:   "top like view of a traced process",
				Flags: []cli.Flag{
					pidFlag,
					&cli.DurationFlag{Name: "refresh", Usage: "refresh interval, defaults to top.refresh of the config"},
					&cli.StringSliceFlag{Name: "break", Aliases: []string{"b"}, Usage: "set a counting breakpoint"},
				},
				Action: topCommand,
			},
			{
				Name:  "serve",
				Usage: "serve the HTTP API",
				Flags: []cli.Flag{
					&cli.IntSliceFlag{Name: "pid", Aliases: []string{"p"}, Usage: "processes to attach to on start"},
					&cli.IntFlag{Name: "port", Usage: "listen port, defaults to api.port of the config"},
				},
				Action: serveCommand,
			},
			{
				Name:   "mcp",
				Usage:  "serve the MCP tools over stdio",
				Flags:  []cli.Flag{&cli.IntSliceFlag{Name: "pid", Aliases: []string{"p"}, Usage: "processes to attach to on start"}},
				Action: mcpCommand,
			},
			{
				Name:    "version",
				Aliases: []string{"v"},
				Usage:   "print build version",
				Action: func(c *cli.Context) error {
					fmt.Println("Git: " + gitVer)
					fmt.Println("Build at: " + buildAt)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file and applies the global flags over it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-layers") {
		cfg.Log.Layers = c.String("log-layers")
	}
	if err := logflags.Setup(cfg.Log.Level, cfg.Log.Layers, os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

func processOptions(cfg *config.Config, secondChance bool) proc.Options {
	var opts proc.Options
	if cfg.Process.SecondChance || secondChance {
		opts |= proc.OptionSecondChance
	}
	return opts
}

// coreOptions applies to trace only; the servers outlive their processes.
func coreOptions(cfg *config.Config) proc.CoreOptions {
	if cfg.Core.AutoQuit {
		return proc.CoreOptionAutoQuit
	}
	return 0
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func traceCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pid := c.Int("pid")
	if pid == 0 && c.NArg() == 0 {
		return fmt.Errorf("either --pid or a program is required")
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	s, err := startSession(ctx, coreOptions(cfg))
	if err != nil {
		return err
	}
	tr := newTracer(os.Stdout, c.StringSlice("break"))
	opts := processOptions(cfg, c.Bool("second-chance"))
	if pid != 0 {
		_, err = s.core.AttachRemote(ctx, pid, tr.handlers(), opts)
	} else {
		var path string
		path, err = exec.LookPath(c.Args().First())
		if err == nil {
			_, err = s.core.ExecRemote(ctx, path, c.Args().Slice(), tr.handlers(), opts)
		}
	}
	if err != nil {
		s.stop()
		return err
	}
	return s.wait(ctx)
}

// querySession attaches to the --pid of c, runs fn and detaches again.
func querySession(c *cli.Context, fn func(ctx context.Context, svc *api.Service, pid int) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	s, err := startSession(ctx, 0)
	if err != nil {
		return err
	}
	defer s.stop()
	pid := c.Int("pid")
	if err := s.attach(ctx, pid, processOptions(cfg, false)); err != nil {
		return err
	}
	return fn(ctx, s.svc, pid)
}

func threadsCommand(c *cli.Context) error {
	return querySession(c, func(ctx context.Context, svc *api.Service, pid int) error {
		threads, err := svc.Threads(ctx, pid)
		if err != nil {
			return err
		}
		table := newTable()
		table.SetHeader([]string{"TID", "State", "PC", "Main"})
		for _, t := range threads {
			main := ""
			if t.Main {
				main = "*"
			}
			table.Append([]string{fmt.Sprint(t.TID), t.State, t.PC, main})
		}
		table.Render()
		return nil
	})
}

func modulesCommand(c *cli.Context) error {
	return querySession(c, func(ctx context.Context, svc *api.Service, pid int) error {
		modules, err := svc.Modules(ctx, pid)
		if err != nil {
			return err
		}
		table := newTable()
		table.SetHeader([]string{"Base", "Name", "Path"})
		for _, m := range modules {
			table.Append([]string{m.Base, m.Name, m.Path})
		}
		table.Render()
		return nil
	})
}

func mapsCommand(c *cli.Context) error {
	return querySession(c, func(ctx context.Context, svc *api.Service, pid int) error {
		areas, err := svc.Maps(ctx, pid)
		if err != nil {
			return err
		}
		table := newTable()
		table.SetHeader([]string{"Start", "End", "Prot", "Offset", "Path"})
		for _, a := range areas {
			table.Append([]string{a.Start, a.End, a.Prot, fmt.Sprintf("%#x", a.Offset), a.Path})
		}
		table.Render()
		return nil
	})
}

func readCommand(c *cli.Context) error {
	addr, err := api.ParseAddress(c.String("addr"))
	if err != nil {
		return err
	}
	return querySession(c, func(ctx context.Context, svc *api.Service, pid int) error {
		if c.Bool("string") {
			s, err := svc.ReadString(ctx, pid, addr)
			if err != nil {
				return err
			}
			fmt.Println(s)
			return nil
		}
		mem, err := svc.ReadMemory(ctx, pid, addr, c.Int("size"))
		if err != nil {
			return err
		}
		return dumpHex(os.Stdout, addr, mem.Hex)
	})
}

func exportCommand(c *cli.Context) error {
	name, module := c.String("name"), c.String("module")
	if name == "" && module == "" {
		return fmt.Errorf("--name or --module is required")
	}
	return querySession(c, func(ctx context.Context, svc *api.Service, pid int) error {
		if name != "" {
			addr, err := svc.Export(ctx, pid, name)
			if err != nil {
				return err
			}
			fmt.Printf("%s %#x\n", name, addr)
			return nil
		}
		names, err := svc.Exports(ctx, pid, module)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	})
}

func topCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	refresh := cfg.Top.Refresh
	if c.IsSet("refresh") {
		refresh = c.Duration("refresh")
	}
	if refresh <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	// log lines would garble the screen
	if err := logflags.Setup(cfg.Log.Level, cfg.Log.Layers, io.Discard); err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	s, err := startSession(ctx, 0)
	if err != nil {
		return err
	}
	defer s.stop()
	pid := c.Int("pid")
	if err := s.attach(ctx, pid, processOptions(cfg, false)); err != nil {
		return err
	}
	for _, spec := range c.StringSlice("break") {
		req, err := parseBreakpoint(spec)
		if err != nil {
			return err
		}
		if _, err := s.svc.SetBreakpoint(ctx, pid, req); err != nil {
			return err
		}
	}
	return termui.NewTopUI(s.svc, pid, refresh).Run()
}

func attachAll(ctx context.Context, s *session, cfg *config.Config, pids []int) error {
	for _, pid := range pids {
		if err := s.attach(ctx, pid, processOptions(cfg, false)); err != nil {
			return err
		}
	}
	return nil
}

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	port := cfg.API.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	s, err := startSession(ctx, 0)
	if err != nil {
		return err
	}
	defer s.stop()
	if err := attachAll(ctx, s, cfg, c.IntSlice("pid")); err != nil {
		return err
	}
	return api.NewServer(port, s.svc).Start(ctx)
}

func mcpCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	s, err := startSession(ctx, 0)
	if err != nil {
		return err
	}
	defer s.stop()
	if err := attachAll(ctx, s, cfg, c.IntSlice("pid")); err != nil {
		return err
	}
	return api.NewMCP(s.svc, version()).ServeStdio()
}
