// Package shelllink creates Windows shortcut (.lnk) files.
package shelllink

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/transport"
)

// Link describes one shortcut file.
type Link struct {
	Path        string
	Target      string
	Arguments   string
	WorkingDir  string
	Icon        string
	IconIndex   int
	Description string
}

// Creator writes shortcut files, replacing any that already exist.
type Creator interface {
	Create(ctx context.Context, link Link) error
}

// PowerShell creates links through the WScript.Shell COM object.
type PowerShell struct {
	runner transport.Runner
}

// NewPowerShell creates a link creator. A nil runner uses powershell.exe.
func NewPowerShell(runner transport.Runner) *PowerShell {
	if runner == nil {
		runner = transport.PowerShell()
	}
	return &PowerShell{runner: runner}
}

// Values travel through the environment so no quoting is needed.
const createScript = `
$ErrorActionPreference = 'Stop'
$s = (New-Object -ComObject WScript.Shell).CreateShortcut($env:PYMANAGER_LNK_PATH)
$s.TargetPath = $env:PYMANAGER_LNK_TARGET
if ($env:PYMANAGER_LNK_ARGS) { $s.Arguments = $env:PYMANAGER_LNK_ARGS }
if ($env:PYMANAGER_LNK_WORKDIR) { $s.WorkingDirectory = $env:PYMANAGER_LNK_WORKDIR }
if ($env:PYMANAGER_LNK_ICON) { $s.IconLocation = $env:PYMANAGER_LNK_ICON }
if ($env:PYMANAGER_LNK_DESC) { $s.Description = $env:PYMANAGER_LNK_DESC }
$s.Save()
`

// Create implements Creator.
func (p *PowerShell) Create(ctx context.Context, link Link) error {
	if err := fsutil.EnsureTree(link.Path); err != nil {
		return err
	}
	icon := ""
	if link.Icon != "" {
		icon = link.Icon + "," + strconv.Itoa(link.IconIndex)
	}
	env := []string{
		"PYMANAGER_LNK_PATH=" + link.Path,
		"PYMANAGER_LNK_TARGET=" + link.Target,
		"PYMANAGER_LNK_ARGS=" + link.Arguments,
		"PYMANAGER_LNK_WORKDIR=" + link.WorkingDir,
		"PYMANAGER_LNK_ICON=" + icon,
		"PYMANAGER_LNK_DESC=" + link.Description,
	}
	if _, err := p.runner.Run(ctx, createScript, env); err != nil {
		return fmt.Errorf("creating shortcut %s: %w", link.Path, err)
	}
	return nil
}

// Memory records links and writes a small text file at each path so that
// directory listings behave like the real thing.
type Memory struct {
	mu    sync.Mutex
	links map[string]Link
}

// NewMemory creates an empty recording creator.
func NewMemory() *Memory {
	return &Memory{links: map[string]Link{}}
}

// Create implements Creator.
func (m *Memory) Create(ctx context.Context, link Link) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fsutil.EnsureTree(link.Path); err != nil {
		return err
	}
	body := strings.Join([]string{link.Target, link.Arguments, link.WorkingDir, link.Icon}, "\n")
	if err := os.WriteFile(link.Path, []byte(body), 0644); err != nil {
		return fmt.Errorf("creating shortcut %s: %w", link.Path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[strings.ToLower(link.Path)] = link
	return nil
}

// Links returns the recorded links ordered by path.
func (m *Memory) Links() []Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
