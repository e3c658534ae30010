package transcription

import (
	"strings"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
)

// Deduper suppresses an interim hypothesis that repeats the previous interim.
// Finals always pass and reset the state.
type Deduper struct {
	lastInterim string
}

// Admit returns the trimmed text and whether it should reach the callback.
func (d *Deduper) Admit(r stt.Result) (string, bool) {
	text := strings.TrimSpace(r.Text)
	if r.IsFinal {
		d.lastInterim = ""
		return text, true
	}
	if text == "" || text == d.lastInterim {
		return text, false
	}
	d.lastInterim = text
	return text, true
}
