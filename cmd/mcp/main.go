// Command mcp is a minimal stdio-only picomcp server for hosts where the full
// CLI is not wanted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"

	"picomcp/internal/config"
	"picomcp/internal/mcp"
	_ "picomcp/internal/providers/demo" // register demo provider via init
	_ "picomcp/internal/providers/fs"   // register fs provider via init
	"picomcp/internal/transport/stdio"
)

func main() {
	var providerNames string
	var rootsCSV string
	var maxBytes int
	var includeHidden bool
	var allowBinary bool
	var debug bool

	flag.StringVar(&providerNames, "provider", "demo", "Comma-separated providers to install (demo, fs)")
	flag.StringVar(&rootsCSV, "root", os.Getenv("FS_ROOTS"), "Colon- or comma-separated roots for the fs provider")
	flag.IntVar(&maxBytes, "max-bytes", 1_048_576, "Max bytes to return for a single file read")
	flag.BoolVar(&includeHidden, "include-hidden", false, "Include dotfiles and hidden paths")
	flag.BoolVar(&allowBinary, "allow-binary", false, "Serve non-UTF-8 files as binary resources")
	flag.BoolVar(&debug, "debug", false, "Log at debug level")
	flag.Parse()

	// stdout is the protocol stream.
	logrus.SetOutput(os.Stderr)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	roots := []string{}
	if rootsCSV != "" {
		clean := strings.ReplaceAll(rootsCSV, ":", ",")
		for _, p := range strings.Split(clean, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				roots = append(roots, p)
			}
		}
	}

	var entries []config.ProviderConfig
	for _, name := range strings.Split(providerNames, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		entries = append(entries, config.ProviderConfig{
			Name:          name,
			Provider:      name,
			Roots:         roots,
			MaxBytes:      maxBytes,
			IncludeHidden: includeHidden,
			AllowBinary:   allowBinary,
		})
	}

	logrus.WithFields(logrus.Fields{
		"providers": providerNames,
		"roots":     roots,
		"maxBytes":  maxBytes,
		"hidden":    includeHidden,
		"binary":    allowBinary,
	}).Info("starting MCP server")

	mgr := mcp.NewManager()
	if err := mgr.Load(entries); err != nil {
		logrus.Fatalf("provider init failed: %v", err)
	}
	d := config.Default()
	dispatcher := mcp.NewDispatcher(mcp.ServerInfo{Name: d.Server.Name, Version: d.Server.Version}, mgr.Registries(),
		mcp.WithDispatchLogger(logrus.WithField("component", "dispatch")))
	srv := mcp.NewServer(dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := stdio.New(srv).Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "mcp error: %v\n", err)
		os.Exit(1)
	}
}
