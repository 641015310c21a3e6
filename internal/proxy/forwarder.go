// Package proxy forwards Messages API traffic verbatim to the fixed upstream
// while tee-ing both sides of the exchange into the capture pipeline. The
// client-visible bytes are never modified; capture failures only ever cost a
// record, never the exchange.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tapwire/tapwire/internal/capture"
	"github.com/tapwire/tapwire/internal/fanout"
	"github.com/tapwire/tapwire/internal/stream"
)

// maxRequestBody bounds inbound request bodies. Larger requests are rejected
// before the upstream connection is opened.
const maxRequestBody = 50 << 20

// Forwarder is the ingress handler for proxied traffic.
type Forwarder struct {
	upstream *Upstream
	log      *capture.Log
	hub      *fanout.Hub
	logger   *slog.Logger
}

// NewForwarder wires the forwarder to its capture sinks.
func NewForwarder(upstream *Upstream, log *capture.Log, hub *fanout.Hub, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		upstream: upstream,
		log:      log,
		hub:      hub,
		logger:   logger,
	}
}

type proxyError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(proxyError{
		Error:   "Proxy request failed",
		Message: message,
	})
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to read request body: "+err.Error())
		return
	}
	if len(body) > maxRequestBody {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		json.NewEncoder(w).Encode(proxyError{
			Error:   "Request body too large",
			Message: "request bodies are limited to 50 MiB",
		})
		return
	}

	rec := capture.ParseRequest(body)

	// The request record is persisted before the upstream connection opens,
	// which is what keeps request-before-response ordering in the log.
	if err := f.log.LogRequest(rec); err != nil {
		f.logger.Error("failed to log request",
			slog.String("capture_id", rec.ID),
			slog.String("error", err.Error()))
	}
	f.hub.PublishRequest(rec)

	ctx, cancel := context.WithTimeout(r.Context(), f.upstream.ReadTimeout())
	defer cancel()

	upReq, err := http.NewRequestWithContext(ctx, r.Method, f.upstream.URLFor(r.URL.Path, r.URL.RawQuery), bytes.NewReader(body))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	copyHeaders(upReq.Header, r.Header)
	upReq.Host = f.upstream.Host()

	resp, err := f.upstream.Do(upReq)
	if err != nil {
		f.logger.Error("upstream request failed",
			slog.String("capture_id", rec.ID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if rec.Stream {
		f.forwardStream(w, resp, rec, start)
		return
	}
	f.forwardBuffered(w, resp, rec, start)
}

// forwardStream copies the upstream byte stream to the client chunk by chunk
// while feeding the same chunks to the reconstructor. The client write comes
// first in each iteration, so a slow client throttles the upstream read and
// the wire bytes stay bit-identical.
func (f *Forwarder) forwardStream(w http.ResponseWriter, resp *http.Response, rec *capture.CaptureRequest, start time.Time) {
	recon := stream.New()
	observe := resp.StatusCode >= 200 && resp.StatusCode < 300
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, writeErr := w.Write(chunk); writeErr != nil {
				// Client disconnected: cancel the upstream read and discard
				// the partial reconstruction without a response record.
				f.logger.Debug("client disconnected mid-stream",
					slog.String("capture_id", rec.ID),
					slog.String("error", writeErr.Error()))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if observe {
				recon.Write(chunk)
			}
		}

		if readErr != nil {
			if !observe {
				return
			}
			if readErr != io.EOF {
				// Upstream died mid-stream. Keep what was reconstructed but
				// record stop_reason null to mark the truncation.
				f.logger.Warn("upstream stream error",
					slog.String("capture_id", rec.ID),
					slog.String("error", readErr.Error()))
				recon.DropStopReason()
			}

			respRec := recon.Finalize(rec.ID, start)
			if respRec.Model == "" {
				respRec.Model = rec.Model
			}
			f.persistResponse(respRec)
			return
		}
	}
}

// upstreamMessage is the buffered (non-streaming) Messages API response
// shape, reduced to the fields the capture record carries.
type upstreamMessage struct {
	ID         string                 `json:"id"`
	Model      string                 `json:"model"`
	Content    []capture.ContentBlock `json:"content"`
	StopReason *string                `json:"stop_reason"`
	Usage      capture.Usage          `json:"usage"`
}

// forwardBuffered relays a non-streaming response in full, then decodes the
// buffered copy for capture. The client always receives the raw upstream
// bytes, compressed or not.
func (f *Forwarder) forwardBuffered(w http.ResponseWriter, resp *http.Response, rec *capture.CaptureRequest, start time.Time) {
	respBody, readErr := io.ReadAll(resp.Body)
	if len(respBody) > 0 {
		if _, err := w.Write(respBody); err != nil {
			return
		}
	}
	if readErr != nil {
		f.logger.Warn("failed to read upstream response",
			slog.String("capture_id", rec.ID),
			slog.String("error", readErr.Error()))
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	decoded, err := decodeBody(respBody, resp.Header.Get("Content-Encoding"))
	if err != nil {
		f.logger.Warn("skipping response capture: undecodable body",
			slog.String("capture_id", rec.ID),
			slog.String("content_encoding", resp.Header.Get("Content-Encoding")),
			slog.String("error", err.Error()))
		return
	}

	var msg upstreamMessage
	if err := json.Unmarshal(decoded, &msg); err != nil {
		f.logger.Warn("skipping response capture: unparseable body",
			slog.String("capture_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}

	content := msg.Content
	if content == nil {
		content = []capture.ContentBlock{}
	}
	model := msg.Model
	if model == "" {
		model = rec.Model
	}

	f.persistResponse(&capture.CaptureResponse{
		RequestID:  rec.ID,
		Timestamp:  time.Now().UTC(),
		DurationMS: time.Since(start).Milliseconds(),
		Model:      model,
		Content:    content,
		StopReason: msg.StopReason,
		Usage:      msg.Usage,
	})
}

func (f *Forwarder) persistResponse(resp *capture.CaptureResponse) {
	if err := f.log.LogResponse(resp); err != nil {
		f.logger.Error("failed to log response",
			slog.String("capture_id", resp.RequestID),
			slog.String("error", err.Error()))
	}
	f.hub.PublishResponse(resp)
}
