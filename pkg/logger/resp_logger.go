// Package logger wraps a ResponseWriter to remember what was sent.
package logger

import "net/http"

type ResponseLogger struct {
	w       http.ResponseWriter
	status  int
	written int
}

func New(w http.ResponseWriter) *ResponseLogger {
	return &ResponseLogger{w: w, status: http.StatusOK}
}

func (l *ResponseLogger) WriteHeader(code int) {
	l.status = code
	l.w.WriteHeader(code)
}

func (l *ResponseLogger) Write(b []byte) (int, error) {
	n, err := l.w.Write(b)
	l.written += n
	return n, err
}

func (l *ResponseLogger) Header() http.Header {
	return l.w.Header()
}

// Status returns the status code sent, 200 when the handler never set one.
func (l *ResponseLogger) Status() int {
	return l.status
}

// Written returns the number of body bytes sent.
func (l *ResponseLogger) Written() int {
	return l.written
}
