package console

import "time"

// Kind says which part of the display an event updates.
type Kind int

const (
	KindLog Kind = iota
	KindStatus
	KindProgress
)

// Level is the severity of a log line or status.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Event is one user-visible update produced by an action.
//
// Log events carry Message and Level. Status events carry the status text
// in Message and whether a device is connected. Progress events carry
// Percent (0 to 100) and a short label in Message.
type Event struct {
	Time      time.Time
	Kind      Kind
	Level     Level
	Message   string
	Percent   float64
	Connected bool
}

// Observer receives events in the order they happen. It is called from the
// goroutine running the action.
type Observer func(Event)

// Line formats a log event the way it is shown to the user,
// e.g. "[15:04:05] Connected to ESP32".
func (e Event) Line() string {
	return "[" + e.Time.Format("15:04:05") + "] " + e.Message
}
