package protocol

import "time"

const (
	StreamTypeChunk = "response_chunk"
	StreamTypeEvent = "event"
)

// StreamItem is the wire envelope for one SSE frame. Exactly one of the
// payload shapes is populated depending on Type.
type StreamItem struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Data      any     `json:"data"`
}

// ChunkData carries an incremental piece of assistant content together with
// everything accumulated so far.
type ChunkData struct {
	Chunk       string `json:"chunk"`
	Accumulated string `json:"accumulated"`
}

func NewChunkItem(chunk, accumulated string) StreamItem {
	return StreamItem{
		Type:      StreamTypeChunk,
		Timestamp: now(),
		Data:      ChunkData{Chunk: chunk, Accumulated: accumulated},
	}
}

func NewEventItem(ev *Event) StreamItem {
	return StreamItem{
		Type:      StreamTypeEvent,
		Timestamp: now(),
		Data:      ev,
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
