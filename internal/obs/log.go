package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the process-wide logger. Every emitted line is a
// single JSON object, so shippers need no multiline handling.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest serializes entry as one JSON line. Callers set the "type"
// field to route the line downstream (http, audit). A marshal failure
// is reported in place of the entry, never dropped silently.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"obs: log entry not serializable"}`)
		return
	}
	Logger().Println(string(data))
}
