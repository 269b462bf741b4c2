package proxy

import (
	"errors"
	"io"
	"net/http"
)

// relayHeaders are copied from the downstream response to the client.
var relayHeaders = []string{"Content-Type", "Content-Encoding", "Cache-Control", "Content-Language", "X-Request-Id"}

// Relay writes resp to w, flushing after every read so the client observes
// streamed output as it is produced. It closes resp.Body. A write error means
// the client went away; the downstream process is left alone.
func Relay(w http.ResponseWriter, resp *Response) error {
	defer resp.Body.Close()

	for _, h := range relayHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if w.Header().Get("X-Request-Id") == "" && resp.RequestID != "" {
		w.Header().Set("X-Request-Id", resp.RequestID)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	buf := make([]byte, 32<<10)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
