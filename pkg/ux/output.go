// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides styled terminal output for the CPA command line.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Key       lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Key:       lipgloss.NewStyle().Foreground(ColorTealPrimary),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Tone selects the styling of a status line or box.
type Tone int

const (
	ToneInfo Tone = iota
	ToneSuccess
	ToneWarning
	ToneError
)

func (t Tone) icon() Icon {
	switch t {
	case ToneSuccess:
		return IconSuccess
	case ToneWarning:
		return IconWarning
	case ToneError:
		return IconError
	default:
		return IconBullet
	}
}

func (t Tone) style() lipgloss.Style {
	switch t {
	case ToneSuccess:
		return Styles.Success
	case ToneWarning:
		return Styles.Warning
	case ToneError:
		return Styles.Error
	default:
		return Styles.Bold
	}
}

func (t Tone) prefix() string {
	switch t {
	case ToneSuccess:
		return "OK"
	case ToneWarning:
		return "WARN"
	case ToneError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Printer writes styled output at one personality level.
//
// Thread Safety: Not safe for concurrent use; callers serialize writes.
type Printer struct {
	w     io.Writer
	level PersonalityLevel
}

// NewPrinter returns a printer writing to w.
func NewPrinter(w io.Writer, level PersonalityLevel) *Printer {
	return &Printer{w: w, level: level}
}

// Level returns the personality level.
func (p *Printer) Level() PersonalityLevel {
	return p.level
}

// Machine reports whether output must stay plain.
func (p *Printer) Machine() bool {
	return p.level == PersonalityMachine
}

// Title prints a styled title. Machine output omits it.
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Status prints one line with an icon for tone.
func (p *Printer) Status(tone Tone, text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.w, "%s: %s\n", tone.prefix(), text)
	case PersonalityMinimal:
		fmt.Fprintf(p.w, "%s %s\n", tone.icon().Render(), text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", tone.icon().Render(), tone.style().Render(text))
	}
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) { p.Status(ToneSuccess, text) }

// Warning prints a warning message
func (p *Printer) Warning(text string) { p.Status(ToneWarning, text) }

// Error prints an error message
func (p *Printer) Error(text string) { p.Status(ToneError, text) }

// Muted prints secondary text. Machine output omits it.
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.w, Styles.Muted.Render(text))
}

// KeyValues prints aligned key/value pairs. Machine output uses key=value.
func (p *Printer) KeyValues(pairs [][2]string) {
	if p.Machine() {
		parts := make([]string, len(pairs))
		for i, kv := range pairs {
			parts[i] = kv[0] + "=" + quoteIfSpaced(kv[1])
		}
		fmt.Fprintln(p.w, strings.Join(parts, " "))
		return
	}
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	for _, kv := range pairs {
		key := kv[0] + strings.Repeat(" ", width-len(kv[0]))
		fmt.Fprintf(p.w, "  %s  %s\n", Styles.Key.Render(key), kv[1])
	}
}

// Box prints content under a title in a rounded box. Machine output prints
// "title: line" for every content line.
func (p *Printer) Box(tone Tone, title, content string) {
	if p.Machine() {
		for _, line := range strings.Split(content, "\n") {
			fmt.Fprintf(p.w, "%s: %s\n", title, line)
		}
		return
	}
	style := Styles.Box
	switch tone {
	case ToneWarning:
		style = Styles.WarningBox
	case ToneError:
		style = Styles.ErrorBox
	}
	fmt.Fprintln(p.w, style.Render(tone.style().Bold(true).Render(title)+"\n"+content))
}

// Table prints rows under a header. Machine output is tab separated.
func (p *Printer) Table(header []string, rows [][]string) {
	if p.Machine() {
		fmt.Fprintln(p.w, strings.Join(header, "\t"))
		for _, row := range rows {
			fmt.Fprintln(p.w, strings.Join(row, "\t"))
		}
		return
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		var b strings.Builder
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell + pad)
			if i < len(widths)-1 {
				b.WriteString("  ")
			}
		}
		return strings.TrimRight(b.String(), " ")
	}

	fmt.Fprintln(p.w, line(header, &Styles.Bold))
	for _, row := range rows {
		fmt.Fprintln(p.w, line(row, nil))
	}
}

func quoteIfSpaced(s string) string {
	if strings.ContainsAny(s, " \t") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
