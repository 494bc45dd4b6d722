package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogJSON emits one JSON line. ts and level are filled in when missing.
func LogJSON(entry map[string]any) {
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := entry["level"]; !ok {
		entry["level"] = "info"
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// Info logs msg with extra fields.
func Info(msg string, fields map[string]any) {
	LogJSON(merge("info", msg, fields))
}

// Error logs msg and err with extra fields.
func Error(msg string, err error, fields map[string]any) {
	entry := merge("error", msg, fields)
	if err != nil {
		entry["error"] = err.Error()
	}
	LogJSON(entry)
}

func merge(level, msg string, fields map[string]any) map[string]any {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["level"] = level
	entry["msg"] = msg
	return entry
}
