package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AppLogger provides logging utilities for the application
// Used by both the server and tests
type AppLogger struct {
	outputDir      string
	logRequests    bool
	logStore       bool
	logWS          bool
	debug          bool
	requestLog     io.Writer
	storeLog       io.Writer
	wsLog          io.Writer
	files          []*os.File
	mu             sync.Mutex
	requestCount   int
	wsMessageCount int
}

// Global application logger (used by server)
var appLogger *AppLogger

// devMode adds store dumps to error logs
var devMode bool

// storeDumper is implemented by every Store backend
type storeDumper interface {
	dump() ([]documentRow, error)
}

// dumpSource is the store LogStoreState dumps; nil disables dumps
var dumpSource storeDumper

// LogConfig holds logging configuration
type LogConfig struct {
	OutputDir   string
	LogRequests bool
	LogStore    bool
	LogWS       bool
	Debug       bool
}

// NewAppLogger creates a new application logger
func NewAppLogger(config LogConfig) (*AppLogger, error) {
	al := &AppLogger{
		outputDir:   config.OutputDir,
		logRequests: config.LogRequests,
		logStore:    config.LogStore,
		logWS:       config.LogWS,
		debug:       config.Debug,
	}

	if al.outputDir == "" {
		return al, nil // No file logging, just in-memory state
	}

	open := func(enabled bool, name string, dst *io.Writer) error {
		if !enabled {
			return nil
		}
		f, err := os.OpenFile(filepath.Join(al.outputDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", name, err)
		}
		al.files = append(al.files, f)
		*dst = f
		return nil
	}
	if err := open(al.logRequests, "requests.log", &al.requestLog); err != nil {
		al.Close()
		return nil, err
	}
	if err := open(al.logStore, "store.log", &al.storeLog); err != nil {
		al.Close()
		return nil, err
	}
	if err := open(al.logWS, "websocket.log", &al.wsLog); err != nil {
		al.Close()
		return nil, err
	}

	return al, nil
}

// InitAppLogger initializes the global application logger
func InitAppLogger(config LogConfig) error {
	var err error
	appLogger, err = NewAppLogger(config)
	return err
}

// Close closes all open log files
func (al *AppLogger) Close() {
	for _, f := range al.files {
		f.Close()
	}
	al.files = nil
}

// LogRequest logs an HTTP request and response
func (al *AppLogger) LogRequest(method, url string, reqBody []byte, resp *http.Response, respBody []byte) {
	if !al.logRequests || al.requestLog == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.requestCount++
	timestamp := time.Now().Format("15:04:05.000")

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n========== REQUEST #%d [%s] ==========\n", al.requestCount, timestamp)
	fmt.Fprintf(&buf, "%s %s\n", method, url)

	if len(reqBody) > 0 {
		fmt.Fprintf(&buf, "\n--- Request Body ---\n")
		buf.Write(redactCredential(reqBody))
		buf.WriteString("\n")
	}

	if resp != nil {
		fmt.Fprintf(&buf, "\n--- Response [%d %s] ---\n", resp.StatusCode, resp.Status)
		for k, v := range resp.Header {
			fmt.Fprintf(&buf, "%s: %s\n", k, strings.Join(v, ", "))
		}
	}

	if len(respBody) > 0 {
		fmt.Fprintf(&buf, "\n--- Response Body ---\n")
		if len(respBody) > 5000 {
			buf.Write(respBody[:5000])
			fmt.Fprintf(&buf, "\n... (truncated, %d bytes total)\n", len(respBody))
		} else {
			buf.Write(respBody)
		}
		buf.WriteString("\n")
	}

	al.requestLog.Write(buf.Bytes())
}

// redactCredential hides the value of a "password" field in a JSON body
func redactCredential(body []byte) []byte {
	i := bytes.Index(body, []byte(`"password"`))
	if i < 0 {
		return body
	}
	rest := body[i+len(`"password"`):]
	start := bytes.IndexByte(rest, '"')
	if start < 0 {
		return body
	}
	end := bytes.IndexByte(rest[start+1:], '"')
	if end < 0 {
		return body
	}
	var out bytes.Buffer
	out.Write(body[:i+len(`"password"`)])
	out.Write(rest[:start+1])
	out.WriteString("***")
	out.Write(rest[start+1+end:])
	return out.Bytes()
}

// LogWebSocket logs a WebSocket message
func (al *AppLogger) LogWebSocket(direction, playerID, message string) {
	if !al.logWS || al.wsLog == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.wsMessageCount++
	timestamp := time.Now().Format("15:04:05.000")

	fmt.Fprintf(al.wsLog, "[%s] #%d %s [Player %s]: %s\n",
		timestamp, al.wsMessageCount, direction, playerID, message)
}

// LogStore dumps every stored document
func (al *AppLogger) LogStore(context string, source storeDumper) {
	if !al.logStore || al.storeLog == nil || source == nil {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	al.storeLog.Write(formatStoreDump(context, source))
}

func formatStoreDump(context string, source storeDumper) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n========== STORE DUMP [%s] ==========\n", time.Now().Format("15:04:05.000"))
	fmt.Fprintf(&buf, "Context: %s\n\n", context)

	rows, err := source.dump()
	if err != nil {
		fmt.Fprintf(&buf, "Error reading store: %v\n", err)
		return buf.Bytes()
	}
	if len(rows) == 0 {
		fmt.Fprintf(&buf, "(empty)\n")
	}
	for _, r := range rows {
		// Credentials never reach the dump
		fmt.Fprintf(&buf, "%s: %s\n", r.Path, redactCredential([]byte(r.Body)))
	}
	return buf.Bytes()
}

// Debug logs a debug message if debug mode is enabled
func (al *AppLogger) Debug(format string, args ...any) {
	if !al.debug {
		return
	}
	log.Printf("[DEBUG] "+format, args...)
}

// IsEnabled returns true if any logging is enabled
func (al *AppLogger) IsEnabled() bool {
	return al.logRequests || al.logStore || al.logWS || al.debug
}

// ============================================================================
// HTTP Middleware
// ============================================================================

// LoggingHandler wraps http.Handler to log requests/responses
// Note: WebSocket requests (/ws) are passed through without recording
// because they require http.Hijacker which ResponseRecorder doesn't support
type LoggingHandler struct {
	Handler http.Handler
	Logger  *AppLogger
}

func (l *LoggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// WebSocket upgrades need http.Hijacker, so pass them through directly
	if r.URL.Path == "/ws" {
		l.Logger.LogRequest(r.Method, r.URL.String(), nil, nil, []byte("[WebSocket upgrade]"))
		l.Handler.ServeHTTP(w, r)
		return
	}

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewBuffer(reqBody))
	}

	rec := httptest.NewRecorder()
	l.Handler.ServeHTTP(rec, r)

	// Copy the recorded response to the actual response writer
	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
	w.WriteHeader(rec.Code)
	respBody := rec.Body.Bytes()
	w.Write(respBody)

	l.Logger.LogRequest(r.Method, r.URL.String(), reqBody, &http.Response{
		StatusCode: rec.Code,
		Status:     http.StatusText(rec.Code),
		Header:     rec.Header(),
	}, respBody)
}

// ============================================================================
// Global helper functions
// ============================================================================

func logError(context string, err error) {
	log.Printf("ERROR [%s]: %v", context, err)
	if devMode && dumpSource != nil {
		log.Printf("%s", formatStoreDump("error in "+context, dumpSource))
	}
}

// LogWSMessage logs a WebSocket message using the global logger
func LogWSMessage(direction, playerID, message string) {
	if appLogger != nil {
		appLogger.LogWebSocket(direction, playerID, message)
	}
}

// LogStoreState dumps the store using the global logger
func LogStoreState(context string) {
	if appLogger != nil {
		appLogger.LogStore(context, dumpSource)
	}
}

// DebugLog logs a debug message using the global logger
func DebugLog(context, format string, args ...any) {
	if appLogger != nil {
		appLogger.Debug("["+context+"] "+format, args...)
	}
}

// CloseAppLogger closes the global application logger
func CloseAppLogger() {
	if appLogger != nil {
		appLogger.Close()
	}
}
