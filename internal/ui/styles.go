package ui

import "github.com/charmbracelet/lipgloss"

// Colors adapt to light and dark terminal backgrounds
var (
	brandColor   = lipgloss.AdaptiveColor{Light: "25", Dark: "33"}
	okColor      = lipgloss.AdaptiveColor{Light: "28", Dark: "42"}
	failColor    = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
	warnColor    = lipgloss.AdaptiveColor{Light: "166", Dark: "214"}
	dimColor     = lipgloss.AdaptiveColor{Light: "245", Dark: "240"}
	activeColor  = lipgloss.AdaptiveColor{Light: "30", Dark: "86"}
	chargeColor  = lipgloss.AdaptiveColor{Light: "136", Dark: "220"}
	bannerColor  = lipgloss.Color("1")
	inverseColor = lipgloss.Color("255")
)

var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(inverseColor).Background(brandColor).Padding(0, 2)

	SuccessStyle  = lipgloss.NewStyle().Foreground(okColor)
	ErrorStyle    = lipgloss.NewStyle().Foreground(failColor)
	WarningStyle  = lipgloss.NewStyle().Foreground(warnColor)
	MutedStyle    = lipgloss.NewStyle().Foreground(dimColor)
	ChargingStyle = lipgloss.NewStyle().Foreground(chargeColor).Bold(true)
	FooterStyle   = MutedStyle.MarginTop(1)

	WorkerIdleStyle    = MutedStyle
	WorkerWorkingStyle = lipgloss.NewStyle().Foreground(activeColor)
	WorkerBackoffStyle = WarningStyle

	FatalBannerStyle = lipgloss.NewStyle().Bold(true).Foreground(inverseColor).Background(bannerColor).Padding(0, 1)

	// Progress bar gradient
	ProgressGradientStart = "#1D6FD8"
	ProgressGradientEnd   = "#3FE0A0"
)
