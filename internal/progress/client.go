package progress

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/riffleapp/riffle/internal/clientstate"
)

// ErrConnectionLost is returned after the reconnect budget is exhausted
// while the job was still processing. The caller should surface a terminal
// "connection lost" state to the user.
var ErrConnectionLost = errors.New("progress stream: connection lost")

// Subscriber consumes a user's import-progress stream. It persists every
// event's status/progress/phase so a reload restores the processing UI, and
// reconnects on unexpected drops with capped exponential backoff.
type Subscriber struct {
	baseURL    string
	userID     string
	token      string
	state      *clientstate.Store
	httpClient *http.Client
	retryBase  time.Duration
	retryCap   time.Duration
	maxRetries int
	log        *log.Logger
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithRetryPolicy sets the reconnect backoff base, cap, and attempt budget.
func WithRetryPolicy(base, cap time.Duration, maxRetries int) SubscriberOption {
	return func(s *Subscriber) {
		s.retryBase = base
		s.retryCap = cap
		s.maxRetries = maxRetries
	}
}

// WithSubscriberHTTPClient replaces the HTTP client.
func WithSubscriberHTTPClient(hc *http.Client) SubscriberOption {
	return func(s *Subscriber) { s.httpClient = hc }
}

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *log.Logger) SubscriberOption {
	return func(s *Subscriber) { s.log = logger }
}

// NewSubscriber creates a progress Subscriber for one user.
func NewSubscriber(baseURL, userID, token string, state *clientstate.Store, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		token:      token,
		state:      state,
		httpClient: &http.Client{},
		retryBase:  2 * time.Second,
		retryCap:   10 * time.Second,
		maxRetries: 10,
		log:        log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore returns the persisted event state for the user, if any. Used on
// startup to show "processing" with the last known progress before the
// stream reconnects.
func (s *Subscriber) Restore() (Event, bool) {
	status, ok := s.state.Get(clientstate.ImportStatusKey(s.userID))
	if !ok || status == "" {
		return Event{}, false
	}

	ev := Event{Status: Status(status)}
	if p, ok := s.state.Get(clientstate.ImportProgressKey(s.userID)); ok {
		if n, err := strconv.Atoi(p); err == nil {
			ev.Progress = n
		}
	}
	if phase, ok := s.state.Get(clientstate.ImportPhaseKey(s.userID)); ok {
		ev.Phase = phase
	}
	return ev, true
}

// Run consumes the stream, invoking onEvent for every event, until a
// terminal event arrives (returns nil) or the reconnect budget is exhausted
// (returns ErrConnectionLost). Receiving any event resets the retry budget.
func (s *Subscriber) Run(ctx context.Context, onEvent func(Event)) error {
	retries := 0
	delay := s.retryBase

	for {
		terminal, received, err := s.consumeOnce(ctx, onEvent)
		if terminal {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Debug("progress stream dropped", "err", err)
		}
		if received {
			retries = 0
			delay = s.retryBase
		}

		retries++
		if retries > s.maxRetries {
			return ErrConnectionLost
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > s.retryCap {
			delay = s.retryCap
		}
	}
}

// consumeOnce opens one connection and reads events until the stream ends.
// It reports whether a terminal event arrived and whether any event was
// received on this connection.
func (s *Subscriber) consumeOnce(ctx context.Context, onEvent func(Event)) (terminal, received bool, err error) {
	u := fmt.Sprintf("%s/import-progress/%s?token=%s", s.baseURL, url.PathEscape(s.userID), url.QueryEscape(s.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("progress stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			s.log.Warn("skipping malformed progress event", "err", err)
			continue
		}

		received = true
		s.persist(ev)
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Terminal() {
			return true, true, nil
		}
	}
	return false, received, scanner.Err()
}

// persist writes the event's status/progress/phase to durable storage so a
// page reload mid-job restores the processing UI.
func (s *Subscriber) persist(ev Event) {
	_ = s.state.Set(clientstate.ImportStatusKey(s.userID), string(ev.Status))
	_ = s.state.Set(clientstate.ImportProgressKey(s.userID), strconv.Itoa(ev.Progress))
	_ = s.state.Set(clientstate.ImportPhaseKey(s.userID), ev.Phase)
}
