package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	nodeID   atomic.Value // string
	debugOn  atomic.Bool
	jsonOn   atomic.Bool
	stdout   = log.New(os.Stderr, "", log.LstdFlags)
	stdoutMu sync.Mutex

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffer size: 1000 messages
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				printLine(msg)
			}
		}()
	})
}

func printLine(msg string) {
	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	stdout.Print(msg)
}

// SetNodeID sets the id used as log prefix. Safe to call once identity is known.
func SetNodeID(id string) {
	nodeID.Store(id)
}

// GetNodeID returns the id used as log prefix
func GetNodeID() string {
	if v, ok := nodeID.Load().(string); ok && v != "" {
		return v
	}
	return "-"
}

// SetLevel sets the log level ("debug" enables Debugf).
func SetLevel(level string) {
	debugOn.Store(strings.EqualFold(strings.TrimSpace(level), "debug"))
}

// SetFormat selects the line format: "json" writes one JSON object per
// line, anything else the prefixed text format.
func SetFormat(format string) {
	on := strings.EqualFold(strings.TrimSpace(format), "json")
	jsonOn.Store(on)
	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	if on {
		stdout.SetFlags(0)
	} else {
		stdout.SetFlags(log.LstdFlags)
	}
}

type jsonLine struct {
	Time string `json:"time"`
	Node string `json:"node"`
	Msg  string `json:"msg"`
}

// formatLine renders msg in the current format
func formatLine(msg string) string {
	if !jsonOn.Load() {
		return fmt.Sprintf("[node=%s] %s", GetNodeID(), msg)
	}
	b, err := json.Marshal(jsonLine{Time: time.Now().Format(time.RFC3339Nano), Node: GetNodeID(), Msg: msg})
	if err != nil {
		return fmt.Sprintf("[node=%s] %s", GetNodeID(), msg)
	}
	return string(b)
}

// DebugEnabled reports whether debug logging is on
func DebugEnabled() bool {
	return debugOn.Load()
}

// SetOutput redirects log output and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	prev := stdout.Writer()
	stdout.SetOutput(w)
	return prev
}

// Logf logs a formatted message with node ID prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	enqueue(fmt.Sprintf(format, v...))
}

// Log logs a message with node ID prefix (async, non-blocking)
func Log(v ...interface{}) {
	enqueue(fmt.Sprint(v...))
}

// Debugf logs only when the level is debug
func Debugf(format string, v ...interface{}) {
	if !debugOn.Load() {
		return
	}
	enqueue("[debug] " + fmt.Sprintf(format, v...))
}

func enqueue(msg string) {
	initLogWorker()
	logMsg := formatLine(msg)

	// Held across the send so Flush cannot close the channel underneath us.
	logMu.Lock()
	defer logMu.Unlock()
	if logChan == nil {
		printLine(logMsg)
		return
	}

	// Non-blocking send: if channel is full, log synchronously
	select {
	case logChan <- logMsg:
	default:
		printLine(logMsg)
	}
}

// Fatalf logs a fatal error with node ID prefix and exits (synchronous for fatal errors)
func Fatalf(format string, v ...interface{}) {
	Flush()
	msg := fmt.Sprintf(format, v...)
	printLine(formatLine(msg))
	os.Exit(1)
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
