package alert

import (
	"strings"

	"alertrelay/pkg/tgui"
)

const (
	markerFiring   = "🔴 FIRING"
	markerResolved = "🟢 RESOLVED"
	markerUnknown  = "⚪ UNKNOWN"

	// Caps on escaped text.
	maxNameRunes        = 256
	maxLabelRunes       = 200
	maxURLRunes         = 1024
	maxSummaryRunes     = 1500
	maxDescriptionRunes = 1500

	partSep = "\n\n"
)

// detailLabels are shown under the summary when present.
var detailLabels = []string{"severity", "instance", "job"}

// Render builds the Telegram HTML body for a normalized alert. The result
// always fits in one message: summary and description share whatever the
// other parts leave of tgui.MessageLimit.
func Render(n Normalized, ev Event) string {
	var marker string
	switch n.Status {
	case StatusFiring:
		marker = markerFiring
	case StatusResolved:
		marker = markerResolved
	default:
		marker = markerUnknown
	}
	head := []tgui.H{tgui.B(marker), tgui.BTrunc(n.Name, maxNameRunes)}

	var details []tgui.H
	for _, l := range detailLabels {
		if v := strings.TrimSpace(ev.Labels[l]); v != "" {
			details = append(details, tgui.JoinH(": ", tgui.Esc(l), tgui.CodeTrunc(v, maxLabelRunes)))
		}
	}
	var links []tgui.H
	for _, l := range []struct{ text, url string }{
		{"Source", ev.GeneratorURL},
		{"Alertmanager", ev.ExternalURL},
	} {
		u := strings.TrimSpace(l.url)
		// A cut URL is useless; drop it instead.
		if u == "" || tgui.Esc(u).Runes() > maxURLRunes {
			continue
		}
		links = append(links, tgui.Link(l.text, u))
	}
	tail := []tgui.H{tgui.JoinH("\n", details...), tgui.JoinH(" · ", links...)}

	budget := tgui.MessageLimit - 2*len(partSep) - len("<i></i>")
	for _, p := range append(head, tail...) {
		budget -= p.Runes() + len(partSep)
	}
	summary := tgui.EscTrunc(n.Summary, min(maxSummaryRunes, budget))
	budget -= summary.Runes()

	parts := []tgui.H{head[0], head[1], summary}
	if d := strings.TrimSpace(ev.Annotations["description"]); d != "" && budget > 0 {
		parts = append(parts, tgui.ITrunc(d, min(maxDescriptionRunes, budget)))
	}
	parts = append(parts, tail...)
	return tgui.JoinH(partSep, parts...).String()
}
