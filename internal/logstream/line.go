package logstream

import (
	"fmt"
	"time"
)

// Stream identifies which output channel of a unit a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamSystem carries supervisor-generated lines about a unit
	// (launch failures, restarts, readiness results).
	StreamSystem Stream = "system"
)

// Line is one record of the aggregated log stream. Seq is a global
// arrival-order sequence number assigned by the aggregator; per-unit order
// follows the unit's output order.
type Line struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Unit   string    `json:"unit"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}

// Format renders a line the way the file sinks and the CLI print it.
func (l Line) Format() string {
	return fmt.Sprintf("%s [%s/%s] %s",
		l.Time.Format("2006-01-02T15:04:05.000Z07:00"), l.Unit, l.Stream, l.Text)
}
