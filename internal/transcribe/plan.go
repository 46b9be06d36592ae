package transcribe

import (
	"time"

	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/transcript"
)

// DefaultChunkLength keeps each upload well under the speech API's size limit.
const DefaultChunkLength = 600 * time.Second

// MinChunkLength is the shortest trailing window worth its own upload.
// A shorter remainder, such as the fraction of a second a probed float
// duration leaves past a chunk boundary, extends the previous window.
const MinChunkLength = time.Second

// PlanChunks splits a recording of length total into consecutive windows of
// chunk. The last window is clamped to total, so an exact multiple of chunk
// yields no empty trailing window, and a remainder under MinChunkLength is
// folded into the window before it.
func PlanChunks(total, chunk time.Duration) []transcript.Window {
	if total <= 0 {
		return nil
	}
	if chunk <= 0 {
		chunk = DefaultChunkLength
	}
	n := int((total + chunk - 1) / chunk)
	if n > 1 && total-time.Duration(n-1)*chunk < MinChunkLength {
		n--
	}
	windows := make([]transcript.Window, 0, n)
	for i := range n {
		start := time.Duration(i) * chunk
		windows = append(windows, transcript.Window{
			Index: i,
			Start: start,
			End:   min(start+chunk, total),
		})
	}
	windows[n-1].End = total
	return windows
}
