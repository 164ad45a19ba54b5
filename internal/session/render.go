package session

import (
	"fmt"
	"time"
)

// Actions exposed on the control bar, in display order.
const (
	ActionRetake  = "retake"
	ActionCapture = "capture"
	ActionFinish  = "finish"
	ActionRetry   = "retry"
)

// Preview is the two-up display of the most recent pages.
type Preview struct {
	Odd  string `json:"odd"`
	Even string `json:"even"`
}

// Control is one control bar button.
type Control struct {
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
}

// View is everything the presentation layer needs for one render pass.
type View struct {
	State            string    `json:"state"`
	Busy             bool      `json:"busy"`
	BusyMessage      string    `json:"busy_message,omitempty"`
	Error            string    `json:"error,omitempty"`
	Preview          *Preview  `json:"preview,omitempty"`
	PageCount        int       `json:"page_count"`
	PageCountLabel   string    `json:"page_count_label"`
	PagesPerHour     int       `json:"pages_per_hour"`
	ThroughputLabel  string    `json:"throughput_label,omitempty"`
	SessionStart     time.Time `json:"session_start"`
	InitialPageCount int       `json:"initial_page_count"`
	Controls         []Control `json:"controls"`

	// Revision increases with every change of any session in the process,
	// so a consumer can drop a view rendered before one it already has.
	Revision uint64 `json:"revision"`
}

// Throughput returns whole pages per hour for shots taken over elapsed.
// It is 0 when either is not positive.
func Throughput(elapsed time.Duration, shots int) int {
	if elapsed <= 0 || shots <= 0 {
		return 0
	}
	return int(3600 * float64(shots) / elapsed.Seconds())
}

// PreviewPair returns the last two image references in list order. ok is
// false when fewer than two images exist.
func PreviewPair(images []string) (odd, even string, ok bool) {
	n := len(images)
	if n < 2 {
		return "", "", false
	}
	return images[n-2], images[n-1], true
}

// ThumbnailURL appends the thumbnail path and a cache-busting suffix to ref.
func ThumbnailURL(ref string, suffix int) string {
	return fmt.Sprintf("%s/thumb?%d", ref, suffix)
}

// PageCountLabel formats the page counter.
func PageCountLabel(n int) string {
	return fmt.Sprintf("%d pages", n)
}

// ThroughputLabel formats a rate, empty when the rate is 0.
func ThroughputLabel(rate int) string {
	if rate <= 0 {
		return ""
	}
	return fmt.Sprintf("%d pages/hour", rate)
}

func controls(state State, mounted, busy bool) []Control {
	idle := mounted && !busy && state == Idle
	out := []Control{
		{Action: ActionRetake, Enabled: idle},
		{Action: ActionCapture, Enabled: idle},
		{Action: ActionFinish, Enabled: mounted},
	}
	if state == Error {
		out = append(out, Control{Action: ActionRetry, Enabled: mounted && !busy})
	}
	return out
}
