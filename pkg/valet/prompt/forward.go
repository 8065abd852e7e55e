// forward.go computes the schedule-lookahead block for bg preambles: the
// background tasks that fired within the recent grace window and the next
// few coming up, so a fork can budget its pings.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/valetbot/valet/pkg/valet/schedule"
)

const (
	forwardBase = 3 * time.Hour
	forwardMax  = 12 * time.Hour
	recentGrace = 15 * time.Minute
	minForward  = 3
)

type forwardItem struct {
	at     time.Time
	label  string
	desc   string
	path   string
	silent bool
	firing bool
	recent bool
}

// ForwardSchedule renders the lookahead block, or "" when no background
// work is in range.
func (a *Assembler) ForwardSchedule(firingID string) string {
	if a.store == nil {
		return ""
	}
	now := a.clk.Now()
	var items []forwardItem

	for _, r := range a.store.Routines() {
		if !r.Background {
			continue
		}
		sched, err := schedule.ParseCron(r.Cron)
		if err != nil {
			continue
		}
		path, _ := a.store.PathFor(schedule.KindRoutine, r.ID)
		base := forwardItem{
			label:  "routine " + r.ID,
			desc:   r.Label(),
			path:   path,
			silent: !r.Policy.AllowPing,
			firing: r.ID == firingID,
		}
		if next := sched.Next(now); !next.IsZero() && next.Sub(now) <= forwardMax {
			it := base
			it.at = next
			items = append(items, it)
		}
		// The most recent fire, found by stepping from the grace boundary.
		if prev := sched.Next(now.Add(-recentGrace)); !prev.IsZero() && !prev.After(now) {
			it := base
			it.at = prev
			it.recent = true
			items = append(items, it)
		}
	}

	for _, r := range a.store.Reminders() {
		if !r.Background {
			continue
		}
		if r.RunAt.Before(now.Add(-recentGrace)) || r.RunAt.After(now.Add(forwardMax)) {
			continue
		}
		path, _ := a.store.PathFor(schedule.KindReminder, r.ID)
		items = append(items, forwardItem{
			at:     r.RunAt,
			label:  "reminder " + r.ID,
			desc:   r.Label(),
			path:   path,
			silent: !r.Policy.AllowPing,
			firing: r.ID == firingID,
			recent: !r.RunAt.After(now),
		})
	}

	if len(items) == 0 {
		return ""
	}
	sort.Slice(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })

	var recent, forward []forwardItem
	for _, it := range items {
		if it.at.After(now) {
			forward = append(forward, it)
		} else {
			it.recent = true
			recent = append(recent, it)
		}
	}

	// Prefer the forward entries inside the base window; fall back to the
	// first few regardless of distance.
	if len(forward) > 0 {
		withinBase := 0
		for _, it := range forward {
			if it.at.Sub(now) <= forwardBase {
				withinBase++
			}
		}
		if withinBase >= minForward {
			forward = forward[:withinBase]
		} else if len(forward) > minForward {
			forward = forward[:minForward]
		}
	}

	var b strings.Builder
	b.WriteString("- Upcoming background schedule:\n")
	for _, it := range append(recent, forward...) {
		b.WriteString("    ")
		b.WriteString(formatForwardItem(it))
		b.WriteString("\n")
	}
	return b.String()
}

func formatForwardItem(it forwardItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s — %s", formatClock(it.at), it.label)
	if it.desc != "" {
		b.WriteString(": " + it.desc)
	}
	if it.path != "" {
		b.WriteString(" (" + it.path + ")")
	}
	if it.silent {
		b.WriteString(" (silent)")
	}
	if it.firing {
		b.WriteString(" [this task]")
	} else if it.recent {
		b.WriteString(" [just fired]")
	}
	return b.String()
}

// formatClock renders 12-hour wall time, e.g. "7:30 am".
func formatClock(t time.Time) string {
	return strings.ToLower(t.Format("3:04 PM"))
}
