// Package scriptmeta reads the inline "# /// script" metadata block that a
// script uses to declare the runtime it needs.
package scriptmeta

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/tags"
)

// Metadata is the decoded content of a script block.
type Metadata struct {
	RequiresPython string   `toml:"requires-python"`
	Dependencies   []string `toml:"dependencies"`
}

var (
	startRe = regexp.MustCompile(`^#\s*///\s*([a-zA-Z0-9-]+)\s*$`)
	endRe   = regexp.MustCompile(`^#\s*///\s*$`)
)

// Parser extracts metadata blocks from script files.
type Parser struct{}

// NewParser creates a new script metadata parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse reads the script at path. It returns nil metadata when the script
// has no "script" block.
func (p *Parser) Parse(path string) (*Metadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening script: %w", err)
	}
	defer file.Close()

	var (
		found   *Metadata
		inBlock string
		body    []string
		closeAt = -1
	)
	finish := func() error {
		if inBlock != "script" || closeAt < 0 {
			inBlock, body, closeAt = "", nil, -1
			return nil
		}
		if found != nil {
			return pmerrors.Newf(pmerrors.ErrCodeInvalidInstall, "%s has more than one script metadata block", path)
		}
		meta := &Metadata{}
		if err := toml.Unmarshal([]byte(strings.Join(body[:closeAt], "\n")), meta); err != nil {
			return pmerrors.Wrap(pmerrors.ErrCodeInvalidInstall, "invalid script metadata in "+path, err)
		}
		found = meta
		inBlock, body, closeAt = "", nil, -1
		return nil
	}

	scanner := bufio.NewScanner(file)
	first := true
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}

		if inBlock == "" {
			if m := startRe.FindStringSubmatch(line); m != nil {
				inBlock = m[1]
			}
			continue
		}

		// The block ends at the last "# ///" before a line that is not a comment.
		switch {
		case endRe.MatchString(line):
			closeAt = len(body)
			body = append(body, "")
		case line == "#":
			body = append(body, "")
		case strings.HasPrefix(line, "# "):
			body = append(body, line[2:])
		default:
			if err := finish(); err != nil {
				return nil, err
			}
			if m := startRe.FindStringSubmatch(line); m != nil {
				inBlock = m[1]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	if inBlock != "" {
		if err := finish(); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// Range converts requires-python into a TagRange. A bare version is
// treated as "==version" and a trailing ".*" is dropped, since tag ranges
// already match by prefix.
func (m *Metadata) Range() (tags.TagRange, bool, error) {
	spec := strings.TrimSpace(m.RequiresPython)
	if spec == "" {
		return tags.TagRange{}, false, nil
	}
	var parts []string
	for _, part := range strings.FieldsFunc(spec, func(c rune) bool { return c == ',' || c == ';' }) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		part = strings.TrimSuffix(part, ".*")
		if !tags.IsRange(part) {
			part = "==" + part
		}
		parts = append(parts, part)
	}
	r, err := tags.ParseRange(strings.Join(parts, ","))
	if err != nil {
		return tags.TagRange{}, false, pmerrors.Wrap(pmerrors.ErrCodeArgument, "invalid requires-python "+spec, err)
	}
	return r, true, nil
}
