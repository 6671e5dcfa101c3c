// Package listing formats install lists for the list command.
package listing

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/tags"
	"github.com/frederic-klein/pymanager/internal/transport"
)

// Record is the serialised form of one install.
type Record struct {
	ID          string   `json:"id" yaml:"id"`
	Company     string   `json:"company" yaml:"company"`
	Tag         string   `json:"tag" yaml:"tag"`
	SortVersion string   `json:"sort-version" yaml:"sort-version"`
	DisplayName string   `json:"display-name" yaml:"display-name"`
	InstallFor  []string `json:"install-for,omitempty" yaml:"install-for,omitempty"`
	Alias       []string `json:"alias,omitempty" yaml:"alias,omitempty"`
	Executable  string   `json:"executable,omitempty" yaml:"executable,omitempty"`
	Prefix      string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	URL         string   `json:"url,omitempty" yaml:"url,omitempty"`
	Source      string   `json:"source,omitempty" yaml:"source,omitempty"`
	Default     bool     `json:"default,omitempty" yaml:"default,omitempty"`
	Unmanaged   bool     `json:"unmanaged,omitempty" yaml:"unmanaged,omitempty"`
}

// NewRecord converts an install, removing credentials from its URLs.
func NewRecord(i *dist.Install) Record {
	r := Record{
		ID:          i.ID,
		Company:     i.Company,
		Tag:         i.Tag,
		SortVersion: i.SortVersion,
		DisplayName: i.DisplayName,
		InstallFor:  i.InstallFor,
		Executable:  i.Executable,
		Prefix:      i.Prefix,
		URL:         transport.SanitiseURL(i.URL),
		Source:      transport.SanitiseURL(i.Source),
		Default:     i.Default,
		Unmanaged:   i.Unmanaged,
	}
	for _, a := range i.Alias {
		r.Alias = append(r.Alias, a.Name)
	}
	return r
}

type formatFunc func(e *Emitter, installs []*dist.Install) error

var formats = map[string]formatFunc{
	"table":        (*Emitter).table,
	"csv":          (*Emitter).csv,
	"json":         (*Emitter).json,
	"jsonl":        (*Emitter).jsonl,
	"yaml":         (*Emitter).yaml,
	"exe":          lines(func(i *dist.Install) string { return i.Executable }),
	"prefix":       lines(func(i *dist.Install) string { return i.Prefix }),
	"id":           lines(func(i *dist.Install) string { return i.ID }),
	"legacy":       (*Emitter).legacy,
	"legacy-paths": (*Emitter).legacyPaths,
}

// Formats returns the supported format names.
func Formats() []string {
	names := make([]string, 0, len(formats))
	for n := range formats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Emitter writes install lists.
type Emitter struct {
	w io.Writer
}

// NewEmitter creates a new list emitter.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes installs in the named format.
func (e *Emitter) Emit(format string, installs []*dist.Install) error {
	fn, ok := formats[strings.ToLower(format)]
	if !ok {
		return pmerrors.Newf(pmerrors.ErrCodeArgument, "unknown list format %q; expected one of %s", format, strings.Join(Formats(), ", "))
	}
	return fn(e, installs)
}

// DisplayTag returns the tag as shown to users: the bare tag for the core
// publisher, otherwise Company\Tag.
func DisplayTag(i *dist.Install) string {
	return tags.New(i.Company, i.Tag).String()
}

func (e *Emitter) table(installs []*dist.Install) error {
	if len(installs) == 0 {
		_, err := fmt.Fprintln(e.w, "No runtimes are installed. Try running \"install 3\" to install the latest release.")
		return err
	}
	rows := [][]string{{"Tag", "Name", "Version", "Alias"}}
	hasDefault := false
	for _, i := range installs {
		tag := DisplayTag(i)
		if i.Default {
			tag += " *"
			hasDefault = true
		}
		if i.Unmanaged {
			tag += " (unmanaged)"
		}
		var aliases []string
		for _, a := range i.Alias {
			aliases = append(aliases, a.Name)
		}
		rows = append(rows, []string{tag, i.DisplayName, i.SortVersion, strings.Join(aliases, ", ")})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for c, cell := range row {
			widths[c] = max(widths[c], len(cell))
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for c, cell := range row {
			if c == len(row)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", widths[c]-len(cell)+2))
		}
		if _, err := fmt.Fprintln(e.w, strings.TrimRight(b.String(), " ")); err != nil {
			return err
		}
	}
	if hasDefault {
		_, err := fmt.Fprintln(e.w, "\n* shows the default runtime.")
		return err
	}
	return nil
}

var csvHeader = []string{"id", "company", "tag", "sort-version", "display-name", "default", "unmanaged", "executable", "prefix", "source"}

func (e *Emitter) csv(installs []*dist.Install) error {
	w := csv.NewWriter(e.w)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, i := range installs {
		r := NewRecord(i)
		row := []string{
			r.ID, r.Company, r.Tag, r.SortVersion, r.DisplayName,
			fmt.Sprint(r.Default), fmt.Sprint(r.Unmanaged),
			r.Executable, r.Prefix, r.Source,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func records(installs []*dist.Install) []Record {
	out := make([]Record, 0, len(installs))
	for _, i := range installs {
		out = append(out, NewRecord(i))
	}
	return out
}

func (e *Emitter) json(installs []*dist.Install) error {
	data, err := sonic.ConfigStd.MarshalIndent(map[string]any{"versions": records(installs)}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding list: %w", err)
	}
	_, err = fmt.Fprintln(e.w, string(data))
	return err
}

func (e *Emitter) jsonl(installs []*dist.Install) error {
	for _, r := range records(installs) {
		data, err := sonic.ConfigStd.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding list: %w", err)
		}
		if _, err := fmt.Fprintln(e.w, string(data)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) yaml(installs []*dist.Install) error {
	enc := yaml.NewEncoder(e.w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"versions": records(installs)}); err != nil {
		return fmt.Errorf("encoding list: %w", err)
	}
	return enc.Close()
}

func lines(field func(*dist.Install) string) formatFunc {
	return func(e *Emitter, installs []*dist.Install) error {
		for _, i := range installs {
			if _, err := fmt.Fprintln(e.w, field(i)); err != nil {
				return err
			}
		}
		return nil
	}
}

func legacyTag(i *dist.Install) string {
	tag := DisplayTag(i)
	if !tags.IsCoreCompany(i.Company) {
		tag = i.Company + "/" + i.Tag
	}
	if i.Default {
		return tag + " *"
	}
	return tag
}

func (e *Emitter) legacyRows(installs []*dist.Install, second func(*dist.Install) string) error {
	if len(installs) == 0 {
		_, err := fmt.Fprintln(e.w, "No installed Pythons found!")
		return err
	}
	width := 0
	for _, i := range installs {
		width = max(width, len(legacyTag(i)))
	}
	for _, i := range installs {
		if _, err := fmt.Fprintf(e.w, " -V:%-*s %s\n", width, legacyTag(i), second(i)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) legacy(installs []*dist.Install) error {
	return e.legacyRows(installs, func(i *dist.Install) string { return i.DisplayName })
}

func (e *Emitter) legacyPaths(installs []*dist.Install) error {
	return e.legacyRows(installs, func(i *dist.Install) string { return i.Executable })
}
