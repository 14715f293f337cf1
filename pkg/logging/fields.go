package logging

import "log/slog"

// Domain identifiers

func Conn(id string) slog.Attr {
	return slog.String("conn_id", id)
}

func Identity(id string) slog.Attr {
	return slog.String("user_id", id)
}

func Room(key string) slog.Attr {
	return slog.String("room", key)
}

func Event(name string) slog.Attr {
	return slog.String("event", name)
}

func Message(id string) slog.Attr {
	return slog.String("message_id", id)
}

func StreamEntry(id string) slog.Attr {
	return slog.String("stream_id", id)
}

// Request / tracing

func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}

func TraceID(id string) slog.Attr {
	return slog.String("trace_id", id)
}

func SpanID(id string) slog.Attr {
	return slog.String("span_id", id)
}

// Error handling

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
