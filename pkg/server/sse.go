package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nimbuschat/nimbus/pkg/protocol"
)

// sseWriter frames stream items as server-sent events, flushing after every
// frame so proxies and clients see them immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) WriteItem(item protocol.StreamItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE data: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment emits an SSE comment frame. Clients ignore it; it only keeps
// the connection warm.
func (s *sseWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
