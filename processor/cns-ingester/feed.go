package cnsingester

import (
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/c360studio/cnsscope/store"
	"golang.org/x/net/websocket"
)

// Feed frame types.
const (
	frameHello  = "hello"
	frameChange = "change"
)

// FeedFrame is one JSON frame sent to live feed clients.
type FeedFrame struct {
	Type   string        `json:"type"`
	Seq    uint64        `json:"seq"`
	Change *store.Change `json:"change,omitempty"`
}

// Feed pushes store changes to websocket clients. Clients may pass
// ?appId= to receive only changes touching that app. A client that falls
// behind skips changes and re-reads state over HTTP.
type Feed struct {
	store   *store.Store
	buffer  int
	logger  *slog.Logger
	metrics *metrics

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFeed(s *store.Store, buffer int, logger *slog.Logger, m *metrics) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{
		store:   s,
		buffer:  buffer,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Handler returns the websocket handler.
func (f *Feed) Handler() http.Handler {
	return websocket.Handler(f.serve)
}

// Open lets clients connect again after Close.
func (f *Feed) Open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.closed = false
		f.done = make(chan struct{})
	}
}

func (f *Feed) doneCh() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Close disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
}

func (f *Feed) serve(ws *websocket.Conn) {
	defer ws.Close()

	done := f.doneCh()

	changes, cancel := f.store.Subscribe(f.buffer)
	defer cancel()

	f.metrics.clients.Inc()
	defer f.metrics.clients.Dec()

	appID := ws.Request().URL.Query().Get("appId")
	if err := websocket.JSON.Send(ws, FeedFrame{Type: frameHello, Seq: f.store.Seq()}); err != nil {
		return
	}

	// Clients never send anything meaningful; reading only detects close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard string
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-gone:
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if appID != "" && len(change.AppIDs) > 0 && !slices.Contains(change.AppIDs, appID) {
				continue
			}
			if err := websocket.JSON.Send(ws, FeedFrame{Type: frameChange, Seq: change.Seq, Change: &change}); err != nil {
				f.logger.Debug("Live feed client send failed", "error", err)
				return
			}
		}
	}
}
