package root

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"picomcp/internal/mcp"
	_ "picomcp/internal/providers/demo" // register demo provider via init
	_ "picomcp/internal/providers/fs"   // register fs provider via init
	"picomcp/internal/transport/ble"
	"picomcp/internal/transport/ble/nus"
	"picomcp/internal/transport/httpx"
	"picomcp/internal/transport/stdio"
)

var (
	serveAddr       string
	servePath       string
	serveMTU        int
	serveDeviceName string
	serveTimeout    time.Duration
	serveMaxLinks   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve over one or more transports",
}

var serveStdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve newline-delimited JSON-RPC on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, "stdio")
	},
}

var serveHTTPCmd = &cobra.Command{
	Use:   "http",
	Short: "Serve JSON-RPC over HTTP POST",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, "http")
	},
}

var serveBLECmd = &cobra.Command{
	Use:   "ble",
	Short: "Advertise a Nordic UART Service and serve JSON-RPC over it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, "ble")
	},
}

var serveAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Serve HTTP and BLE together",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, "http", "ble")
	},
}

// applyFlags lets explicitly set flags override file and environment values.
func applyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.HTTP.Addr = serveAddr
	}
	if f.Changed("path") {
		cfg.HTTP.Path = servePath
	}
	if f.Changed("mtu") {
		cfg.BLE.MTU = serveMTU
	}
	if f.Changed("device-name") {
		cfg.BLE.DeviceName = serveDeviceName
	}
	if f.Changed("handler-timeout") {
		cfg.Server.HandlerTimeout = serveTimeout
	}
}

// buildServer installs the configured providers and wires the dispatcher.
func buildServer() (*mcp.Server, *mcp.Manager, error) {
	mgr := mcp.NewManager()
	if err := mgr.Load(cfg.Providers); err != nil {
		return nil, nil, err
	}
	d := mcp.NewDispatcher(mcp.ServerInfo{Name: cfg.Server.Name, Version: cfg.Server.Version}, mgr.Registries(),
		mcp.WithDispatchLogger(logrus.WithField("component", "dispatch")))
	srv := mcp.NewServer(d,
		mcp.WithHandlerTimeout(cfg.Server.HandlerTimeout),
		mcp.WithLogger(logrus.WithField("component", "server")))
	return srv, mgr, nil
}

func runServe(cmd *cobra.Command, transports ...string) error {
	applyFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}
	srv, mgr, err := buildServer()
	if err != nil {
		return err
	}
	printBanner(mgr, transports)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		switch t {
		case "stdio":
			g.Go(func() error {
				defer stop()
				return stdio.New(srv, stdio.WithMaxLineBytes(cfg.Stdio.MaxLineBytes)).Serve(ctx, os.Stdin, os.Stdout)
			})
		case "http":
			h := httpx.NewHandler(srv, httpx.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes))
			g.Go(func() error {
				return httpx.Run(ctx, cfg.HTTP.Addr, cfg.HTTP.Path, h, logrus.StandardLogger())
			})
		case "ble":
			g.Go(func() error { return serveBLE(ctx, srv) })
		}
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveBLE(ctx context.Context, srv *mcp.Server) error {
	p, err := nus.Open(nus.Config{DeviceName: cfg.BLE.DeviceName, MTU: cfg.BLE.MTU}, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("ble: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = p.Close()
	}()
	bs := ble.NewServer(srv,
		ble.WithMaxMessageBytes(cfg.BLE.MaxMessageBytes),
		ble.WithEagerParse(cfg.BLE.EagerParse),
		ble.WithMaxLinks(serveMaxLinks),
	)
	return bs.Serve(ctx, p)
}

func printBanner(mgr *mcp.Manager, transports []string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Fprintf(os.Stderr, "picomcp %s", cfg.Server.Name)
	gray.Fprintf(os.Stderr, "  version %s, protocol %s\n", cfg.Server.Version, mcp.ProtocolVersion)
	for _, t := range transports {
		green.Fprint(os.Stderr, "  ▶ ")
		switch t {
		case "stdio":
			fmt.Fprintln(os.Stderr, "stdio:     stdin/stdout")
		case "http":
			fmt.Fprintf(os.Stderr, "http:      %s%s\n", cfg.HTTP.Addr, cfg.HTTP.Path)
		case "ble":
			fmt.Fprintf(os.Stderr, "ble:       %q (mtu %d)\n", cfg.BLE.DeviceName, cfg.BLE.MTU)
		}
	}
	regs := mgr.Registries()
	green.Fprint(os.Stderr, "  ▶ ")
	fmt.Fprintf(os.Stderr, "providers: %d tools, %d resources, %d prompts\n",
		regs.Tools.Len(), regs.Resources.Len(), regs.Prompts.Len())
	for _, name := range mgr.List() {
		p, err := mgr.Provider(name)
		if err != nil {
			continue
		}
		gray.Fprintf(os.Stderr, "      %s (%s)\n", name, p.Name())
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.AddCommand(serveStdioCmd, serveHTTPCmd, serveBLECmd, serveAllCmd)

	pf := serveCmd.PersistentFlags()
	pf.StringVar(&serveAddr, "addr", ":8080", "HTTP listen address")
	pf.StringVar(&servePath, "path", "/", "HTTP endpoint path")
	pf.IntVar(&serveMTU, "mtu", ble.DefaultMTU, "BLE outbound chunk size in bytes")
	pf.StringVar(&serveDeviceName, "device-name", "PicoMCP-BLE", "Advertised BLE device name")
	pf.DurationVar(&serveTimeout, "handler-timeout", 0, "Abandon requests taking longer than this (0 = wait)")
	pf.IntVar(&serveMaxLinks, "max-links", 0, "Maximum concurrently served BLE links (0 = unlimited)")
}
