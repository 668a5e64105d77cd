package api

import (
	"net/http"
	"time"
)

// httpConn adapts a streaming response to stream.Conn.
type httpConn struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newHTTPConn(w http.ResponseWriter) *httpConn {
	return &httpConn{w: w, rc: http.NewResponseController(w)}
}

func (c *httpConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *httpConn) Flush() error { return c.rc.Flush() }

func (c *httpConn) SetWriteDeadline(t time.Time) error { return c.rc.SetWriteDeadline(t) }
