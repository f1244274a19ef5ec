package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.Mutex
	level = INFO
	out   io.Writer = os.Stderr
)

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log output; tests use this to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "?"
}

// DebugCF logs at debug level for a component with structured fields.
func DebugCF(component, msg string, fields ...map[string]interface{}) {
	logCF(DEBUG, component, msg, fields...)
}

func InfoCF(component, msg string, fields ...map[string]interface{}) {
	logCF(INFO, component, msg, fields...)
}

func WarnCF(component, msg string, fields ...map[string]interface{}) {
	logCF(WARN, component, msg, fields...)
}

func ErrorCF(component, msg string, fields ...map[string]interface{}) {
	logCF(ERROR, component, msg, fields...)
}

func logCF(l Level, component, msg string, fields ...map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s [%s] %s", time.Now().Format("2006-01-02 15:04:05"), l, component, msg)
	if kv := flatten(fields); kv != "" {
		b.WriteString(" ")
		b.WriteString(kv)
	}
	fmt.Fprintln(out, b.String())
}

func flatten(fields []map[string]interface{}) string {
	merged := map[string]interface{}{}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return ""
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(merged[k]))
	}
	return strings.Join(parts, " ")
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		if strings.ContainsAny(val, " \t") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case error:
		return fmt.Sprintf("%q", val.Error())
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", v)
}
