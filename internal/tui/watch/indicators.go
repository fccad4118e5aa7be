package watch

import (
	"strings"
	"time"
)

const (
	activityDots = 5
	dotFadeEvery = 2 * time.Second
)

// Ticker alternates a glyph on every clock tick, so a frozen glyph means the
// UI loop has stalled rather than the host.
type Ticker struct {
	on bool
}

func NewTicker() Ticker { return Ticker{} }

func (t *Ticker) Tick() { t.on = !t.on }

func (t Ticker) Current() string {
	if t.on {
		return "⟳"
	}
	return "⟲"
}

// Activity lights every dot when an event arrives and drops one for each
// dotFadeEvery of silence.
type Activity struct {
	dots      int
	lastEvent time.Time
}

func (a *Activity) OnEvent(at time.Time) {
	a.dots = activityDots
	a.lastEvent = at
}

func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	a.dots = max(0, activityDots-int(now.Sub(a.lastEvent)/dotFadeEvery))
}

func (a Activity) Dots() int { return a.dots }

func (a Activity) LastEvent() time.Time { return a.lastEvent }

func (a Activity) Render(theme Theme) string {
	return theme.TickerActive.Render(strings.Repeat("●", a.dots)) +
		theme.TickerInactive.Render(strings.Repeat("○", activityDots-a.dots))
}
