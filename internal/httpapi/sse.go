package httpapi

import (
	"net/http"

	"github.com/amonhq/amon/internal/streambroker"
)

// writeFrame encodes one frame in text/event-stream framing.
func writeFrame(w http.ResponseWriter, f streambroker.Frame) error {
	return streambroker.WriteSSE(w, f)
}

// frameNotice builds a notice frame carrying the ids clients reconcile on.
func frameNotice(projectID, chatID, runID, reason string, data map[string]any) streambroker.Frame {
	if data == nil {
		data = map[string]any{}
	}
	data["project_id"] = projectID
	if chatID != "" {
		data["chat_id"] = chatID
	}
	if runID != "" {
		data["run_id"] = runID
	}
	data["reason"] = reason
	return streambroker.Frame{Type: streambroker.FrameNotice, Data: data}
}

// streamWriteError emits a terminal error frame followed by done, so a
// client mid-stream always observes a terminal frame.
func streamWriteError(w http.ResponseWriter, projectID, chatID, runID string, err error) error {
	data := map[string]any{
		"project_id": projectID,
		"message":    err.Error(),
	}
	if chatID != "" {
		data["chat_id"] = chatID
	}
	if runID != "" {
		data["run_id"] = runID
	}
	if werr := streambroker.WriteSSE(w, streambroker.Frame{Type: streambroker.FrameError, Data: data}); werr != nil {
		return werr
	}
	done := map[string]any{
		"project_id": projectID,
		"status":     "error",
	}
	if chatID != "" {
		done["chat_id"] = chatID
	}
	if runID != "" {
		done["run_id"] = runID
	}
	return streambroker.WriteSSE(w, streambroker.Frame{Type: streambroker.FrameDone, Data: done})
}
