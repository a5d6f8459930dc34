package idempotency

import (
	"bytes"
	"net/http"
)

// responseRecorder buffers a handler's response so it can be stored before the
// client sees it.
type responseRecorder struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder(parent http.ResponseWriter) *responseRecorder {
	header := parent.Header().Clone()
	if header == nil {
		header = http.Header{}
	}
	return &responseRecorder{parent: parent, header: header}
}

func (r *responseRecorder) Header() http.Header { return r.header }

// WriteHeader keeps the first status, like net/http does.
func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 && status > 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Body() []byte {
	if r.body.Len() == 0 {
		return nil
	}
	return bytes.Clone(r.body.Bytes())
}

// flush copies the buffered response to the parent writer.
func (r *responseRecorder) flush() error {
	dst := r.parent.Header()
	clear(dst)
	for key, values := range r.header {
		dst[key] = append([]string(nil), values...)
	}
	r.parent.WriteHeader(r.Status())
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.parent.Write(r.body.Bytes())
	return err
}
