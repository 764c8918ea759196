// Package relay proxies the search/chat backend's streaming response to the
// UI as discrete push events, with cancellation, idle-timeout, and
// malformed-record tolerance.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	orcerrors "github.com/tomedesk/tome/internal/errors"
	"github.com/tomedesk/tome/internal/metrics"
)

// Push event types delivered to the UI during a stream.
const (
	EventToken    = "chat.token"
	EventSources  = "chat.sources"
	EventComplete = "chat.complete"
	EventError    = "chat.error"
)

// Publisher delivers push events to the UI. Satisfied by the WebSocket hub.
type Publisher interface {
	Publish(eventType string, data interface{})
}

// Recorder persists completed exchanges. Satisfied by the history store.
type Recorder interface {
	RecordExchange(sessionID, userMessage, assistantText string, sources json.RawMessage) error
}

// record is one framed event from the backend stream.
type record struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Sources json.RawMessage `json:"sources,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// recordPrefix frames each event line on the wire.
const recordPrefix = "data: "

// Relay opens at most one upstream chat stream at a time. Starting a new
// stream supersedes the previous one: its cancellation is requested before
// the new upstream call begins, and it delivers no further events.
type Relay struct {
	backendURL     string
	streamPath     string
	client         *http.Client
	events         Publisher
	recorder       Recorder
	idleTimeout    time.Duration
	malformedLimit int

	mu      sync.Mutex
	current *session
}

type session struct {
	id          string
	chatSession string
	userMessage string
	cancel      context.CancelFunc
}

// Options tunes a Relay.
type Options struct {
	IdleTimeout    time.Duration
	MalformedLimit int
}

// New creates a relay against the backend's streaming chat endpoint.
// recorder may be nil to disable history persistence.
func New(backendURL string, events Publisher, recorder Recorder, opts Options) *Relay {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.MalformedLimit <= 0 {
		opts.MalformedLimit = 20
	}
	return &Relay{
		backendURL:     backendURL,
		streamPath:     "/api/chat/stream",
		client:         &http.Client{}, // no overall timeout; the idle timer bounds stalls
		events:         events,
		recorder:       recorder,
		idleTimeout:    opts.IdleTimeout,
		malformedLimit: opts.MalformedLimit,
	}
}

// Send starts a new stream for the given message. Any active stream is
// cancelled first. The returned ID identifies the stream in subsequent push
// events. Connect-time failures are returned synchronously; everything after
// the upstream call is established arrives as push events.
func (r *Relay) Send(message, chatSessionID string) (string, error) {
	if chatSessionID == "" {
		chatSessionID = uuid.NewString()
	}

	// The stream outlives the originating HTTP request, so it gets its own
	// cancellation root.
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:          uuid.NewString(),
		chatSession: chatSessionID,
		userMessage: message,
		cancel:      cancel,
	}

	r.mu.Lock()
	if prev := r.current; prev != nil {
		prev.cancel()
		metrics.RecordStreamOutcome("superseded")
		log.Debug().Str("stream", prev.id).Msg("Superseding active stream")
	}
	r.current = sess
	r.mu.Unlock()

	body, err := json.Marshal(map[string]string{
		"message":   message,
		"sessionId": chatSessionID,
	})
	if err != nil {
		r.release(sess)
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.backendURL+r.streamPath, bytes.NewReader(body))
	if err != nil {
		r.release(sess)
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := r.client.Do(req)
	if err != nil {
		r.release(sess)
		return "", orcerrors.WrapConnectivity("chat_stream", "backend", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		r.release(sess)
		oerr := orcerrors.New(orcerrors.KindConnectivity, "chat_stream", "backend",
			fmt.Errorf("backend returned %d: %s", resp.StatusCode, string(respBody)))
		return "", oerr.WithStatusCode(resp.StatusCode)
	}

	go r.consume(sess, resp.Body)
	return sess.id, nil
}

// Abort cancels the active stream, if any. It never errors, even when the
// stream has already finished.
func (r *Relay) Abort() {
	r.mu.Lock()
	sess := r.current
	r.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}
}

// Active reports whether a stream session is currently live.
func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// release clears the session if it is still current and frees its
// cancellation token.
func (r *Relay) release(sess *session) {
	r.mu.Lock()
	if r.current == sess {
		r.current = nil
	}
	r.mu.Unlock()
	sess.cancel()
}

// isCurrent reports whether the session may still deliver events. A
// superseded session stops delivering immediately, regardless of upstream
// teardown progress.
func (r *Relay) isCurrent(sess *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current == sess
}

func (r *Relay) emit(sess *session, eventType string, data interface{}) {
	if !r.isCurrent(sess) {
		return
	}
	if r.events != nil {
		r.events.Publish(eventType, data)
	}
}

// consume reads the upstream body until completion, cancellation, idle
// timeout, or malformed-record overflow.
func (r *Relay) consume(sess *session, body io.ReadCloser) {
	type readResult struct {
		data []byte
		err  error
	}

	// Reads happen on their own goroutine so each can be raced against the
	// idle timer.
	readCh := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			readCh <- readResult{data: chunk, err: err}
			if err != nil {
				return
			}
		}
	}()

	// Whatever ends the stream, the reader must be unblocked and drained to
	// its terminal error or it pins the upstream connection forever.
	readerDone := false
	defer func() {
		sess.cancel()
		body.Close()
		for !readerDone {
			if res := <-readCh; res.err != nil {
				readerDone = true
			}
		}
	}()

	var (
		pending       string
		malformed     int
		assistantText strings.Builder
		sources       json.RawMessage
	)

	timer := time.NewTimer(r.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			sess.cancel()
			r.finish(sess, "timeout")
			r.emit(sess, EventError, map[string]string{
				"sessionId": sess.chatSession,
				"error":     "stream timed out: no data received from backend",
				"kind":      string(orcerrors.KindTimeout),
			})
			r.release(sess)
			return

		case res := <-readCh:
			if res.err != nil {
				readerDone = true
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.idleTimeout)

			if len(res.data) > 0 {
				pending += string(res.data)
				lines := strings.Split(pending, "\n")
				pending = lines[len(lines)-1]

				for _, line := range lines[:len(lines)-1] {
					done, ok := r.handleLine(sess, line, &malformed, &assistantText, &sources)
					if !ok {
						// Malformed-record bound exceeded.
						sess.cancel()
						r.finish(sess, "error")
						r.emit(sess, EventError, map[string]string{
							"sessionId": sess.chatSession,
							"error":     "stream aborted: too many malformed records",
							"kind":      string(orcerrors.KindProtocol),
						})
						r.release(sess)
						return
					}
					if done {
						r.complete(sess, assistantText.String(), sources)
						return
					}
				}
			}

			if res.err != nil {
				if res.err == io.EOF {
					// Upstream closed without a done record; complete anyway.
					r.complete(sess, assistantText.String(), sources)
					return
				}
				if errIsCancel(res.err) {
					// Benign: explicit abort or supersede.
					r.finish(sess, "aborted")
					r.release(sess)
					return
				}
				r.finish(sess, "error")
				r.emit(sess, EventError, map[string]string{
					"sessionId": sess.chatSession,
					"error":     fmt.Sprintf("stream read failed: %v", res.err),
					"kind":      string(orcerrors.KindConnectivity),
				})
				r.release(sess)
				return
			}
		}
	}
}

// handleLine parses one framed line and forwards it. Returns done=true on a
// done record, ok=false when the malformed bound is exceeded.
func (r *Relay) handleLine(sess *session, line string, malformed *int, assistantText *strings.Builder, sources *json.RawMessage) (done bool, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, true
	}

	payload, valid := strings.CutPrefix(line, recordPrefix)
	var rec record
	if valid {
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			valid = false
		}
	}
	if valid {
		switch rec.Type {
		case "token", "sources", "done", "error":
		default:
			valid = false
		}
	}

	if !valid {
		*malformed++
		metrics.StreamMalformedTotal.Inc()
		if *malformed > r.malformedLimit {
			log.Warn().Str("stream", sess.id).Int("malformed", *malformed).
				Msg("Malformed record bound exceeded, aborting stream")
			return false, false
		}
		log.Debug().Str("stream", sess.id).Str("line", truncate(line, 120)).
			Msg("Skipping malformed stream record")
		return false, true
	}

	metrics.RecordStreamEvent(rec.Type)

	switch rec.Type {
	case "token":
		assistantText.WriteString(rec.Content)
		r.emit(sess, EventToken, map[string]string{
			"sessionId": sess.chatSession,
			"content":   rec.Content,
		})
	case "sources":
		*sources = rec.Sources
		r.emit(sess, EventSources, map[string]interface{}{
			"sessionId": sess.chatSession,
			"sources":   rec.Sources,
		})
	case "done":
		return true, true
	case "error":
		r.emit(sess, EventError, map[string]string{
			"sessionId": sess.chatSession,
			"error":     rec.Error,
			"kind":      string(orcerrors.KindProtocol),
		})
	}
	return false, true
}

// complete finalizes a successful stream: push completion, persist the
// exchange, release the session.
func (r *Relay) complete(sess *session, assistantText string, sources json.RawMessage) {
	r.finish(sess, "completed")
	r.emit(sess, EventComplete, map[string]string{
		"sessionId": sess.chatSession,
	})

	if r.recorder != nil && r.isCurrent(sess) {
		if err := r.recorder.RecordExchange(sess.chatSession, sess.userMessage, assistantText, sources); err != nil {
			log.Warn().Err(err).Str("session", sess.chatSession).Msg("Failed to persist chat exchange")
		}
	}
	r.release(sess)
}

func (r *Relay) finish(sess *session, outcome string) {
	if r.isCurrent(sess) {
		metrics.RecordStreamOutcome(outcome)
	}
}

func errIsCancel(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	// Older transports lose the wrap when surfacing a cancelled read.
	return strings.Contains(err.Error(), context.Canceled.Error())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
