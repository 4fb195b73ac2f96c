package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Log is a structured log line, rendered as JSON by String. It is the
// logging primitive used throughout the queue package and by the HTTP
// tier, in place of a third-party structured-logging library.
type Log struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l Log) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, l.Where, l.What)

	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)

	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if len(l.Data) > 0 {
		b, err := json.Marshal(l.Data)
		if err != nil {
			fmt.Fprintf(buf, `, "data_marshal_err": %q`, err.Error())
		} else {
			fmt.Fprintf(buf, `, "data": %s`, b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}
