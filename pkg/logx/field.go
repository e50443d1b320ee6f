package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field is one structured key/value. Fields are applied in order, so a key
// set twice keeps the later value.
type Field struct {
	key   string
	apply func(e *zerolog.Event, key string)
}

func (f Field) on(e *zerolog.Event) {
	if f.apply != nil {
		f.apply(e, f.key)
	}
}

func String(k, v string) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Str(k, v) }}
}

func Int(k string, v int) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Int(k, v) }}
}

func Int64(k string, v int64) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Int64(k, v) }}
}

func Uint64(k string, v uint64) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Uint64(k, v) }}
}

func Bool(k string, v bool) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Bool(k, v) }}
}

func Duration(k string, v time.Duration) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Dur(k, v) }}
}

func Time(k string, v time.Time) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Time(k, v) }}
}

func Strings(k string, v []string) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Strs(k, v) }}
}

func Any(k string, v any) Field {
	return Field{k, func(e *zerolog.Event, k string) { e.Interface(k, v) }}
}

// Err records err under "err". A nil error adds nothing.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{zerolog.ErrorFieldName, func(e *zerolog.Event, _ string) { e.Err(err) }}
}
