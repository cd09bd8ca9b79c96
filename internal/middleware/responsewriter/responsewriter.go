// Package responsewriter provides a response writer wrapper that remembers
// what was written so middlewares can log and measure the outcome.
package responsewriter

import (
	"net/http"
)

// Recorder wraps an http.ResponseWriter and records the status code and
// the number of body bytes written through it.
type Recorder struct {
	http.ResponseWriter

	status  int
	written int64
}

// Wrap returns w itself when it is already a Recorder.
func Wrap(w http.ResponseWriter) *Recorder {
	if rec, ok := w.(*Recorder); ok {
		return rec
	}

	return &Recorder{ResponseWriter: w}
}

func (r *Recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *Recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)

	return n, err
}

// Status is the status code sent to the client. It is 0 while nothing was written.
func (r *Recorder) Status() int {
	return r.status
}

// Written is the number of body bytes sent to the client.
func (r *Recorder) Written() int64 {
	return r.written
}

// Unwrap lets http.ResponseController reach the underlying writer for flushing.
func (r *Recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
