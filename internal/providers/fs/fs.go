// Package fs serves files under configured roots as resources and offers
// fs.list, fs.stat and fs.read tools.
package fs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/sirupsen/logrus"

	"picomcp/internal/mcp"
)

// CodeAccessDenied is returned for resources outside the allowed roots.
const CodeAccessDenied = -32001

var (
	errAccessDenied  = errors.New("access denied")
	errNegativeRange = errors.New("offset and limit must not be negative")
)

type provider struct {
	roots         []string
	maxBytes      int
	includeHidden bool
	allowBinary   bool
}

func (p *provider) Name() string { return "fs" }

// Registration
func init() {
	mcp.RegisterProvider("fs", New)
}

// New builds the provider from factory options: roots, maxBytes,
// includeHidden and allowBinary.
func New(opts map[string]any) (mcp.Provider, error) {
	pr := &provider{
		roots:         mcp.OptSlice[string](opts, "roots", nil),
		maxBytes:      mcp.Opt(opts, "maxBytes", 1_048_576),
		includeHidden: mcp.Opt(opts, "includeHidden", false),
		allowBinary:   mcp.Opt(opts, "allowBinary", false),
	}
	if len(pr.roots) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		pr.roots = []string{wd}
	}
	for i, r := range pr.roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, err
		}
		pr.roots[i] = abs
	}
	if pr.maxBytes <= 0 {
		pr.maxBytes = 1_048_576
	}
	return pr, nil
}

// Install registers one resource per file found under the roots (walked at
// startup) plus the tools.
func (p *provider) Install(regs *mcp.Registries) error {
	if regs == nil || regs.Tools == nil || regs.Resources == nil {
		return errors.New("fs: tool and resource registries are required")
	}
	for _, root := range p.roots {
		if err := p.installResources(regs.Resources, root); err != nil {
			return err
		}
	}

	regs.Tools.Register(mcp.ToolDefinition{
		Name:        "fs.list",
		Description: "List directory entries under a path",
		Properties: map[string]*jsonschema.Schema{
			"path":  {Type: "string", Description: "Directory to list; defaults to the first root"},
			"depth": {Type: "number", Description: "How many levels to descend (default 1)"},
		},
	}, mcp.ToolFunc(p.toolList))
	regs.Tools.Register(mcp.ToolDefinition{
		Name:        "fs.stat",
		Description: "Get file or directory metadata",
		Properties: map[string]*jsonschema.Schema{
			"path": {Type: "string"},
		},
		ParamNames: []string{"path"},
	}, mcp.ToolFunc(p.toolStat))
	regs.Tools.Register(mcp.ToolDefinition{
		Name:        "fs.read",
		Description: "Read text file content (chunkable)",
		Properties: map[string]*jsonschema.Schema{
			"path":   {Type: "string"},
			"offset": {Type: "number"},
			"limit":  {Type: "number"},
		},
	}, mcp.ToolFunc(p.toolRead))
	return nil
}

func (p *provider) installResources(reg *mcp.ResourceRegistry, root string) error {
	err := filepath.WalkDir(root, func(pth string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !p.includeHidden && isHidden(pth) && pth != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(root, pth)
		reg.Register(mcp.ResourceDefinition{
			URI:         "file://" + filepath.ToSlash(pth),
			Name:        filepath.ToSlash(rel),
			Description: "File under " + root,
			MimeType:    mimeByExt(pth),
		}, mcp.ResourceFunc(p.readResource))
		return nil
	})
	if err != nil {
		return err
	}
	logrus.WithField("root", root).Debug("fs resources installed")
	return nil
}

// readResource returns the file behind uri as text, or as bytes when the
// content is not UTF-8 and binary reads are allowed.
func (p *provider) readResource(_ context.Context, uri string) (mcp.ResourceBody, error) {
	path := filepath.FromSlash(strings.TrimPrefix(uri, "file://"))
	if !p.allowed(path) {
		return mcp.ResourceBody{}, mcp.NewError(CodeAccessDenied, "access denied", uri)
	}
	buf, _, err := p.readFile(path, 0, p.maxBytes)
	if err != nil {
		return mcp.ResourceBody{}, err
	}
	if utf8.Valid(buf) {
		return mcp.TextBody(string(buf)), nil
	}
	if !p.allowBinary {
		return mcp.ResourceBody{}, errors.New("binary content not allowed")
	}
	return mcp.BinaryBody(buf), nil
}

// Tools implementations
func (p *provider) toolList(_ context.Context, args mcp.Args) (any, error) {
	path, _ := args.String("path")
	depth := args.Int("depth", 1)
	if path == "" {
		path = p.roots[0]
	}
	if !p.allowed(path) {
		return nil, errAccessDenied
	}
	out := []map[string]any{}
	baseDepth := strings.Count(filepath.Clean(path), string(os.PathSeparator))
	err := filepath.WalkDir(path, func(pth string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !p.includeHidden && isHidden(pth) && pth != path {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		curDepth := strings.Count(filepath.Clean(pth), string(os.PathSeparator)) - baseDepth
		if curDepth > depth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if pth != path {
			info, _ := d.Info()
			out = append(out, map[string]any{
				"path": pth,
				"name": d.Name(),
				"dir":  d.IsDir(),
				"size": sizeOf(info),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": out}, nil
}

func (p *provider) toolStat(_ context.Context, args mcp.Args) (any, error) {
	path, _ := args.String("path")
	if path == "" || !p.allowed(path) {
		return nil, errAccessDenied
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path": path,
		"name": info.Name(),
		"dir":  info.IsDir(),
		"size": info.Size(),
		"mode": info.Mode().String(),
		"mod":  info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

func (p *provider) toolRead(_ context.Context, args mcp.Args) (any, error) {
	path, _ := args.String("path")
	if path == "" || !p.allowed(path) {
		return nil, errAccessDenied
	}
	offset, limit := args.Int("offset", 0), args.Int("limit", p.maxBytes)
	if offset < 0 || limit < 0 {
		return nil, errNegativeRange
	}
	buf, truncated, err := p.readFile(path, offset, min(limit, p.maxBytes))
	if err != nil {
		return nil, err
	}
	// Binary/text heuristic
	if !utf8.Valid(buf) && !p.allowBinary {
		return map[string]any{"path": path, "contents": "<binary omitted>", "truncated": true}, nil
	}
	return map[string]any{
		"path":      path,
		"contents":  string(buf),
		"mimeType":  http.DetectContentType(buf),
		"truncated": truncated,
	}, nil
}

// Internals
func (p *provider) readFile(path string, offset, limit int) ([]byte, bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, false, err
	}
	if fi.IsDir() {
		return nil, false, errors.New("is a directory")
	}
	if offset < 0 || limit < 0 {
		return nil, false, errNegativeRange
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			return nil, false, err
		}
	}
	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	return buf[:n], int64(offset+n) < fi.Size(), nil
}

func (p *provider) allowed(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	for _, r := range p.roots {
		rootAbs := r
		if resolved, err := filepath.EvalSymlinks(r); err == nil {
			rootAbs = resolved
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

func sizeOf(info os.FileInfo) int64 {
	if info == nil {
		return 0
	}
	return info.Size()
}

func mimeByExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".log":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".toml":
		return "application/toml"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return ""
}
