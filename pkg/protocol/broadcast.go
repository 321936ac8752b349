package protocol

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the clock format used in server-wrapped payloads.
const TimeLayout = "15:04:05"

const systemTag = "[SYSTEM] "

const senderSeparator = ": "

// Broadcast is a server-wrapped payload as seen by a client.
type Broadcast struct {
	Time   time.Time
	Sender string
	Text   string
	System bool
}

// FormatChat wraps a chat line as "[HH:mm:ss] <username>: <text>".
func FormatChat(at time.Time, username, text string) string {
	return fmt.Sprintf("[%s] %s%s%s", at.Format(TimeLayout), username, senderSeparator, text)
}

// FormatSystem wraps a notice as "[HH:mm:ss] [SYSTEM] <note>".
func FormatSystem(at time.Time, note string) string {
	return fmt.Sprintf("[%s] %s%s", at.Format(TimeLayout), systemTag, note)
}

// ParseBroadcast parses a server-wrapped payload. The returned Time carries
// the wall clock of day on the date of now, in now's location.
func ParseBroadcast(payload string, now time.Time) (Broadcast, error) {
	if len(payload) < len(TimeLayout)+3 || payload[0] != '[' || payload[len(TimeLayout)+1] != ']' || payload[len(TimeLayout)+2] != ' ' {
		return Broadcast{}, fmt.Errorf("not a broadcast payload: %q", payload)
	}
	clock, err := time.ParseInLocation(TimeLayout, payload[1:len(TimeLayout)+1], now.Location())
	if err != nil {
		return Broadcast{}, fmt.Errorf("invalid broadcast time: %w", err)
	}
	at := time.Date(now.Year(), now.Month(), now.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location())

	body := payload[len(TimeLayout)+3:]
	if note, ok := strings.CutPrefix(body, systemTag); ok {
		return Broadcast{Time: at, Text: note, System: true}, nil
	}
	sender, text, ok := strings.Cut(body, senderSeparator)
	if !ok {
		return Broadcast{}, fmt.Errorf("broadcast without sender: %q", payload)
	}
	return Broadcast{Time: at, Sender: sender, Text: text}, nil
}
