package push

import (
	"bufio"
	"io"
	"strings"
)

// Event is one parsed frame from the stream: an event name and its data
// payload (possibly empty).
type Event struct {
	Name string
	Data string
}

// readEvents scans newline-delimited event/data frames from r and emits
// each complete frame. A blank line terminates a frame; lines starting with
// ':' are keep-alive comments and are skipped. Returns when the stream ends
// or errors — the caller decides whether to reconnect.
func readEvents(r io.Reader, emit func(Event)) error {
	scanner := bufio.NewScanner(r)

	var name string
	var data []string
	flush := func() {
		if name == "" && len(data) == 0 {
			return
		}
		emit(Event{Name: name, Data: strings.Join(data, "\n")})
		name = ""
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Keep-alive comment.
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
			continue
		}
		// Unknown field — ignored, never fatal.
	}

	flush()
	return scanner.Err()
}
