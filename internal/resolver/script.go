package resolver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
)

const maxFirstLine = 4096

var (
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
	codingRe = regexp.MustCompile(`^[ \t\f]*#.*?coding[:=][ \t]*([-\w.]+)`)
	// #! [[/usr[/local]]/bin/][env ]CMD ARGS
	shebangRe = regexp.MustCompile(`^#!\s*(?:(?:/usr(?:/local)?)?/bin/)?(?:env\s+)?(\S+)\s*(.*)$`)
)

// Shebang is the command named on a script's first line.
type Shebang struct {
	Command string
	Args    string
}

// ReadShebang returns the shebang of the script at path, or nil when the
// first line is not one.
func ReadShebang(path string) (*Shebang, error) {
	line, err := readFirstLine(path)
	if err != nil {
		return nil, err
	}
	m := shebangRe.FindStringSubmatch(line)
	if m == nil {
		return nil, nil
	}
	return &Shebang{Command: m[1], Args: strings.TrimSpace(m[2])}, nil
}

func readFirstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	raw, err := bufio.NewReader(io.LimitReader(f, maxFirstLine)).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	raw = bytes.TrimRight(raw, "\r\n")
	if bytes.HasPrefix(raw, utf8BOM) {
		return string(raw[len(utf8BOM):]), nil
	}
	return decodeLine(raw), nil
}

// decodeLine applies a coding cookie on the line to the line itself.
// Unknown encodings leave the bytes as they are.
func decodeLine(raw []byte) string {
	m := codingRe.FindSubmatch(raw)
	if m == nil {
		return string(raw)
	}
	name := strings.ToLower(string(m[1]))
	switch strings.NewReplacer("-", "", "_", "").Replace(name) {
	case "utf8", "utf8sig", "ascii", "usascii":
		return string(raw)
	}
	for _, candidate := range []string{name, strings.ReplaceAll(name, "_", "-"), strings.ReplaceAll(name, "-", "")} {
		enc, err := ianaindex.IANA.Encoding(candidate)
		if err != nil || enc == nil {
			continue
		}
		if decoded, err := enc.NewDecoder().Bytes(raw); err == nil {
			return string(decoded)
		}
	}
	return string(raw)
}

// FindScriptInstall returns the install that the shebang of the script at
// path names. The command is looked up as an alias, then as the file name
// of an executable, then as a full executable path.
func (r *Resolver) FindScriptInstall(path string) (*dist.Install, error) {
	shebang, err := ReadShebang(path)
	if err != nil {
		return nil, err
	}
	if shebang == nil {
		return nil, pmerrors.Newf(pmerrors.ErrCodeNotFound, "%s has no shebang line", path)
	}
	cmd := shebang.Command
	if !strings.HasSuffix(strings.ToLower(cmd), ".exe") {
		cmd += ".exe"
	}
	r.log.Debug("Looking for an install providing %s", cmd)

	for _, install := range r.installs {
		for _, a := range install.Alias {
			if strings.EqualFold(a.Name, cmd) || strings.EqualFold(a.Name+".exe", cmd) {
				return pick(candidate{install, dist.RunFor{Tag: install.Tag, Target: a.Target, Windowed: a.Windowed}}), nil
			}
		}
	}
	for _, install := range r.installs {
		if strings.EqualFold(baseName(install.Executable), cmd) {
			chosen := install.Clone()
			return &chosen, nil
		}
		for _, rf := range install.RunFor {
			if strings.EqualFold(baseName(rf.Target), cmd) {
				return pick(candidate{install, rf}), nil
			}
		}
	}
	want := normalisePath(cmd)
	for _, install := range r.installs {
		if normalisePath(install.Executable) == want {
			chosen := install.Clone()
			return &chosen, nil
		}
	}
	return nil, pmerrors.Newf(pmerrors.ErrCodeNotFound, "no install found for %s", shebang.Command).
		WithContext("command", shebang.Command)
}

func normalisePath(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
}
