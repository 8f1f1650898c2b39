// Package ui provides terminal styling and interactive forms for the quill CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Mschirtzinger/quill/internal/schema"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconInfo = "ℹ"
)

func RenderPass(s string) string { return PassStyle.Render(s) }
func RenderWarn(s string) string { return WarnStyle.Render(s) }
func RenderFail(s string) string { return FailStyle.Render(s) }
func RenderMuted(s string) string { return MutedStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderHeader(s string) string { return HeaderStyle.Render(s) }

// RenderStatus colors a task status by lifecycle stage.
func RenderStatus(s schema.Status) string {
	switch s {
	case schema.StatusDeployed:
		return RenderPass(string(s))
	case schema.StatusGenerating:
		return RenderAccent(string(s))
	case schema.StatusQueued:
		return RenderWarn(string(s))
	default:
		return RenderMuted(string(s))
	}
}
