package looptest

import (
	"sync"

	"github.com/joeycumines/logiface"
)

// Entry is one recorded log event.
type Entry struct {
	logiface.UnimplementedEvent
	Fields  map[string]any
	Message string
	level   logiface.Level
}

func (e *Entry) Level() logiface.Level { return e.level }

func (e *Entry) AddField(key string, val any) {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = val
}

func (e *Entry) AddMessage(msg string) bool {
	e.Message = msg
	return true
}

// LogRecorder keeps every event written through its logger.
type LogRecorder struct {
	mu      sync.Mutex
	entries []*Entry
}

func (x *LogRecorder) NewEvent(level logiface.Level) *Entry {
	return &Entry{level: level}
}

func (x *LogRecorder) Write(event *Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = append(x.entries, event)
	return nil
}

// Count returns the number of events at level with the given message.
func (x *LogRecorder) Count(level logiface.Level, message string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	for _, e := range x.entries {
		if e.level == level && e.Message == message {
			n++
		}
	}
	return n
}

// NewLogger returns a logger recording every level into a LogRecorder.
func NewLogger() (*logiface.Logger[logiface.Event], *LogRecorder) {
	x := &LogRecorder{}
	logger := logiface.New[*Entry](
		logiface.WithEventFactory[*Entry](x),
		logiface.WithWriter[*Entry](x),
		logiface.WithLevel[*Entry](logiface.LevelTrace),
	)
	return logger.Logger(), x
}
