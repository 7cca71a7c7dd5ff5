package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "collab-backend"
	defaultHeartbeatInterval = 25 * time.Second
)

// RealtimeMessage tells subscribers of a document that its state moved.
type RealtimeMessage struct {
	DocumentID string
	EventType  string
	Timestamp  time.Time
}

// RealtimeDispatcher fans document change notifications out to stream subscribers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for documentID until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, documentID string) (<-chan RealtimeMessage, func()) {
	if documentID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(documentID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(documentID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber of its document. Slow
// subscribers drop messages rather than block publishers.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.DocumentID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.DocumentID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyDocumentChange implements collab.ChangeNotifier.
func (d *RealtimeDispatcher) NotifyDocumentChange(documentID, eventType string) {
	d.Publish(RealtimeMessage{
		DocumentID: documentID,
		EventType:  eventType,
		Timestamp:  d.clock().UTC(),
	})
}

// SubscriberCount reports how many streams are attached to documentID.
func (d *RealtimeDispatcher) SubscriberCount(documentID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[documentID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(documentID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[documentID]; !ok {
		d.subscribers[documentID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[documentID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(documentID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[documentID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, documentID)
		}
	}
	d.mu.Unlock()
}

type realtimeEventPayload struct {
	DocumentID  string `json:"document_id"`
	Source      string `json:"source"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// handleDocumentEvents streams change notifications for one document as SSE.
func (h *httpHandler) handleDocumentEvents(c *gin.Context) {
	caller, documentID, ok := h.callerAndDocument(c)
	if !ok {
		return
	}
	if err := h.collab.AuthorizeRead(c.Request.Context(), caller, documentID); err != nil {
		h.respondError(c, err)
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), documentID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("realtime stream opened",
		zap.String("document_id", documentID.String()),
		zap.String("user_id", caller.String()))

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				DocumentID:  message.DocumentID,
				Source:      realtimeSourceBackend,
				TimestampMs: message.Timestamp.UnixMilli(),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				DocumentID:  documentID.String(),
				Source:      realtimeSourceBackend,
				TimestampMs: tick.UTC().UnixMilli(),
			})
			return true
		}
	})
}
