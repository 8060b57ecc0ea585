package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/observability"
)

const (
	progressBufferSize = 64
	// seenEventsSize bounds the IDs remembered to collapse events that
	// arrive over more than one relay.
	seenEventsSize = 4096
)

// Progress event types.
const (
	ProgressSnapshot         = "snapshot"
	ProgressRunStarted       = "run_started"
	ProgressStudentCompleted = "student_completed"
	ProgressRunFinished      = "run_finished"
)

// ProgressEvent reports batch advancement to subscribers.
type ProgressEvent struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	StudentID string    `json:"student_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

type progressEnvelope struct {
	ID     string        `json:"id"`
	Source string        `json:"source"`
	Event  ProgressEvent `json:"event"`
}

// ProgressHub fans progress events out to local subscribers and, when
// configured, to other nodes over redis pub/sub and NATS.
type ProgressHub struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string

	mu          sync.RWMutex
	subscribers map[string]map[chan ProgressEvent]struct{}

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

// NewProgressHub constructs a hub. Nil clients disable the matching transport.
func NewProgressHub(redisClient *redis.Client, redisChannel string, natsConn *nats.Conn, natsSubject string, logger zerolog.Logger) *ProgressHub {
	return &ProgressHub{
		redis:        redisClient,
		redisChannel: redisChannel,
		nats:         natsConn,
		natsSubject:  natsSubject,
		logger:       logger.With().Str("component", "progress_hub").Logger(),
		nodeID:       uuid.NewString(),
		subscribers:  make(map[string]map[chan ProgressEvent]struct{}),
		seen:         make(map[string]struct{}),
	}
}

// Start consumes events published by other nodes until ctx is done.
func (h *ProgressHub) Start(ctx context.Context) {
	if h.redis != nil && h.redisChannel != "" {
		go h.consumeRedis(ctx)
	}
	if h.nats != nil && h.natsSubject != "" {
		h.consumeNATS(ctx)
	}
}

// Publish delivers the event locally and forwards it to the configured brokers.
func (h *ProgressHub) Publish(ctx context.Context, event ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.broadcast(event)

	payload, err := json.Marshal(progressEnvelope{ID: uuid.NewString(), Source: h.nodeID, Event: event})
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode progress event")
		return
	}

	if h.redis != nil && h.redisChannel != "" {
		if err := h.redis.Publish(ctx, h.redisChannel, payload).Err(); err != nil {
			h.logger.Warn().Err(err).Msg("failed to publish progress to redis")
		}
	}
	if h.nats != nil && h.natsSubject != "" {
		if err := h.nats.Publish(h.natsSubject, payload); err != nil {
			h.logger.Warn().Err(err).Msg("failed to publish progress to nats")
		}
	}
}

// Subscribe returns a channel of events for one run and its cleanup func.
func (h *ProgressHub) Subscribe(runID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, progressBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[runID]; !ok {
		h.subscribers[runID] = make(map[chan ProgressEvent]struct{})
	}
	h.subscribers[runID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subscribers, ok := h.subscribers[runID]; ok {
				delete(subscribers, ch)
				close(ch)
				if len(subscribers) == 0 {
					delete(h.subscribers, runID)
				}
			}
		})
	}
	return ch, cleanup
}

func (h *ProgressHub) broadcast(event ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
			observability.ProgressEventsDropped().Inc()
		}
	}
}

func (h *ProgressHub) consumeRedis(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, h.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			h.logger.Error().Err(err).Msg("progress redis subscription closed")
			return
		}
		h.handleRemote([]byte(msg.Payload))
	}
}

func (h *ProgressHub) consumeNATS(ctx context.Context) {
	sub, err := h.nats.Subscribe(h.natsSubject, func(msg *nats.Msg) {
		h.handleRemote(msg.Data)
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to subscribe to nats progress subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			h.logger.Warn().Err(err).Msg("failed to drain progress nats subscription")
		}
	}()
}

func (h *ProgressHub) handleRemote(payload []byte) {
	var envelope progressEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		h.logger.Warn().Err(err).Msg("invalid progress event payload")
		return
	}
	if envelope.Source == h.nodeID || !h.markSeen(envelope.ID) {
		return
	}
	h.broadcast(envelope.Event)
}

// markSeen reports whether id is new. Redis and NATS both carry every
// event, so the second copy is dropped here.
func (h *ProgressHub) markSeen(id string) bool {
	if id == "" {
		return true
	}

	h.seenMu.Lock()
	defer h.seenMu.Unlock()

	if _, ok := h.seen[id]; ok {
		return false
	}
	h.seen[id] = struct{}{}
	h.seenOrder = append(h.seenOrder, id)
	if len(h.seenOrder) > seenEventsSize {
		delete(h.seen, h.seenOrder[0])
		h.seenOrder = h.seenOrder[1:]
	}
	return true
}
