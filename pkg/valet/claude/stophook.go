// stophook.go enforces reporting duties when a background fork tries to
// finish. A blocked stop returns a system message; the runtime re-invokes
// the agent with it so the fork can comply and stop cleanly.
package claude

import (
	"github.com/valetbot/valet/pkg/valet/fork"
	"github.com/valetbot/valet/pkg/valet/schedule"
)

// StopCheck inspects a background fork that produced its final turn.
// The returned message is non-empty when the fork must keep going.
func StopCheck(snap fork.BgSnapshot) (string, bool) {
	switch snap.Policy.UpdateMainSession {
	case schedule.UpdateAlways:
		if !snap.Reported {
			return "Before finishing you must call report_updates with a short summary of what happened in this background task. The main session only learns about this work through that report.", false
		}
	case schedule.UpdateOnPing:
		if snap.OutputSent && !snap.Reported {
			return "You pinged the user during this background task but never called report_updates. Call report_updates now with a short summary so the main session knows what was said.", false
		}
	}
	return "", true
}
