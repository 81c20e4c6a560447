package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
	"github.com/manifold-ai/manifold-gateway/internal/convert"
	"github.com/manifold-ai/manifold-gateway/internal/httputil"
	"github.com/manifold-ai/manifold-gateway/internal/pool"
	"github.com/manifold-ai/manifold-gateway/internal/provider"
)

// handleStream opens the upstream stream and relays it to the client
// in the inbound protocol's framing. Errors before the first byte get
// a proper error response; errors mid-stream can only terminate it.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, reqID, protocol string, conv convert.Converter, sel pool.Selection, req *canonical.Request, receivedAt time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteInternalError(w, reqID, "Streaming not supported")
		return
	}

	// Streams may outlive the server's WriteTimeout; clear this
	// connection's write deadline so long generations are not cut
	// mid-stream.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "request_id", reqID, "error", err)
	}

	stream, err := sel.Adapter.GenerateStream(r.Context(), req)
	if err != nil {
		h.pool.RecordFailure(sel.EntryID, err)
		h.logger.Error("failed to open upstream stream",
			"request_id", reqID, "provider", sel.Type, "entry", sel.EntryID, "error", err)
		h.recordRequest(protocol, sel.Type, httputil.StatusFromError(err), receivedAt, nil)
		httputil.WriteFromError(w, reqID, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", conv.StreamContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var chunks int
	var usage *canonical.Usage
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are gone; all we can do is stop and record.
			h.pool.RecordFailure(sel.EntryID, err)
			h.logger.Error("stream read failed",
				"request_id", reqID, "provider", sel.Type, "entry", sel.EntryID, "error", err)
			h.recordRequest(protocol, sel.Type, httputil.StatusFromError(err), receivedAt, usage)
			return
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		frame, err := h.encodeFrame(conv, chunk)
		if err != nil {
			h.logger.Error("failed to encode stream chunk",
				"request_id", reqID, "protocol", protocol, "error", err)
			continue
		}
		if frame == nil {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			h.logger.Warn("client went away mid-stream", "request_id", reqID)
			return
		}
		flusher.Flush()
		chunks++
		h.metrics.RecordStreamChunk(protocol)
	}

	h.pool.RecordSuccess(sel.EntryID)
	h.logger.Info("request completed",
		"request_id", reqID,
		"protocol", protocol,
		"provider", sel.Type,
		"entry", sel.EntryID,
		"model", req.Model,
		"chunks", chunks,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
		"stream", true,
	)
	h.recordRequest(protocol, sel.Type, http.StatusOK, receivedAt, usage)
}

// encodeFrame turns a canonical chunk into a complete wire frame.
// Chunks carrying raw upstream payloads bypass the converter and keep
// their original bytes in the outbound framing.
func (h *Handler) encodeFrame(conv convert.Converter, chunk *canonical.Chunk) ([]byte, error) {
	if len(chunk.Raw) > 0 {
		if conv.StreamContentType() == "application/x-ndjson" {
			return append(append([]byte{}, chunk.Raw...), '\n'), nil
		}
		frame := append([]byte("data: "), chunk.Raw...)
		return append(frame, '\n', '\n'), nil
	}
	return conv.EncodeChunk(chunk)
}

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

func writeModelList(w http.ResponseWriter, models []provider.ModelInfo) {
	w.Header().Set("Content-Type", "application/json")
	list := modelListResponse{Object: "list", Data: []modelObject{}}
	for _, m := range models {
		list.Data = append(list.Data, modelObject{ID: m.ID, Object: "model", OwnedBy: m.OwnedBy})
	}
	json.NewEncoder(w).Encode(list)
}
