// Package ui renders CLI output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1F6FEB", Dark: "#58A6FF"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// DisableColor switches rendering to plain text.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// IsColorEnabled reports whether output carries ANSI colors.
func IsColorEnabled() bool {
	return lipgloss.ColorProfile() != termenv.Ascii
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderHeader(s string) string { return headerStyle.Render(s) }

// RenderStatus colors a cycle status: SUCCESS green, PARTIAL yellow,
// anything else red.
func RenderStatus(status string) string {
	switch status {
	case "SUCCESS":
		return RenderPass(status)
	case "PARTIAL", "RUNNING":
		return RenderWarn(status)
	default:
		return RenderFail(status)
	}
}

// KeyValue renders an aligned "key: value" line.
func KeyValue(key string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		mutedStyle.Width(18).Render(key+":"),
		value,
	)
}
