package worker

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// messageWriter turns engine log lines at or above a level into
// message_error, message_debug and message_trace messages.
type messageWriter struct {
	min  zerolog.Level
	emit func(Message)
}

var _ zerolog.LevelWriter = (*messageWriter)(nil)

func (w *messageWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *messageWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if w.min == zerolog.Disabled || level < w.min {
		return len(p), nil
	}

	var typ MessageType
	switch {
	case level == zerolog.TraceLevel:
		typ = MessageTrace
	case level >= zerolog.WarnLevel && level <= zerolog.PanicLevel:
		typ = MessageError
	default:
		typ = MessageDebug
	}
	w.emit(Message{Type: typ, Text: logText(p)})
	return len(p), nil
}

// logText renders a JSON log line as `collection "<name>" - <message>: <error>`.
func logText(p []byte) string {
	var line map[string]any
	if err := json.Unmarshal(p, &line); err != nil {
		return string(p)
	}

	text := fmt.Sprint(line[zerolog.MessageFieldName])
	if line[zerolog.MessageFieldName] == nil {
		text = ""
	}
	if e, ok := line[zerolog.ErrorFieldName]; ok {
		if text == "" {
			text = fmt.Sprint(e)
		} else {
			text += ": " + fmt.Sprint(e)
		}
	}
	if name, ok := line["collection"].(string); ok {
		text = fmt.Sprintf("collection %q - %s", name, text)
	}
	return text
}
