package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var tokenParamRe = regexp.MustCompile(`([?&]token=)[^&\s]+`)

// LoggingTransport wraps an http.RoundTripper and appends every request and
// response to a log file. JSON bodies are logged; binary downloads only log
// headers. Tokens in query strings and Authorization headers are redacted.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport opens logFilePath for appending and wraps transport.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}, nil
}

func redact(s string) string {
	return tokenParamRe.ReplaceAllString(s, "${1}REDACTED")
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	logged := req.Clone(req.Context())
	if logged.Header.Get("Authorization") != "" {
		logged.Header.Set("Authorization", "Bearer REDACTED")
	}
	reqDump, dumpErr := httputil.DumpRequestOut(logged, false)

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(start)

	var entry strings.Builder
	fmt.Fprintf(&entry, "--- Request (%s) ---\n", start.Format(time.RFC3339))
	if dumpErr != nil {
		log.WithError(dumpErr).Debug("Failed to dump API request for logging")
		fmt.Fprintf(&entry, "%s %s\n", req.Method, redactURL(req.URL))
	} else {
		entry.WriteString(redact(string(reqDump)))
	}

	switch {
	case err != nil:
		fmt.Fprintf(&entry, "--- Response Error (Duration: %v) ---\n%s\n", duration, redact(err.Error()))
	case strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"):
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		headers, _ := httputil.DumpResponse(resp, false)
		fmt.Fprintf(&entry, "--- Response (Duration: %v) ---\n%s", duration, headers)
		if readErr != nil {
			fmt.Fprintf(&entry, "(body read failed: %v)\n", readErr)
		} else {
			fmt.Fprintf(&entry, "%s\n", body)
		}
	default:
		headers, _ := httputil.DumpResponse(resp, false)
		fmt.Fprintf(&entry, "--- Response (Duration: %v) ---\n%s(body not logged)\n", duration, headers)
	}

	t.write(entry.String())
	return resp, err
}

func redactURL(u *url.URL) string {
	return redact(u.String())
}

func (t *LoggingTransport) write(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(s + "\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
		return
	}
	t.writer.Flush()
}

// Close flushes and closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}
