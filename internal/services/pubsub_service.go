package services

import (
	"context"
	"encoding/json"
	"sync"

	"chatcontext/internal/logging"

	"github.com/redis/go-redis/v9"
)

// CacheInvalidationChannel carries in-process cache invalidations between instances
const CacheInvalidationChannel = "chatcontext:cache:invalidate"

// Invalidation message types
const (
	InvalidateUser    = "invalidate_user"
	InvalidateAll     = "invalidate_all"
	InvalidateProfile = "invalidate_profile"
)

// PubSubService manages Redis pub/sub for cross-instance cache invalidation
type PubSubService struct {
	redis      *RedisService
	pubsub     *redis.PubSub
	handlers   map[string][]MessageHandler
	mu         sync.RWMutex
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// MessageHandler is a callback for handling pub/sub messages
type MessageHandler func(message *PubSubMessage)

// PubSubMessage represents a message sent via pub/sub
type PubSubMessage struct {
	Type       string `json:"type"`
	UserID     string `json:"userId,omitempty"`
	InstanceID string `json:"instanceId"`
}

// NewPubSubService creates a new pub/sub service
func NewPubSubService(redisService *RedisService, instanceID string) *PubSubService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubService{
		redis:      redisService,
		handlers:   make(map[string][]MessageHandler),
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Subscribe registers handler for messages of msgType
func (s *PubSubService) Subscribe(msgType string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = append(s.handlers[msgType], handler)
}

// Start begins listening for invalidation messages
func (s *PubSubService) Start() error {
	s.pubsub = s.redis.Client().Subscribe(s.ctx, CacheInvalidationChannel)

	// Wait for subscription confirmation
	if _, err := s.pubsub.Receive(s.ctx); err != nil {
		_ = s.pubsub.Close()
		s.pubsub = nil
		return err
	}

	go s.processMessages()

	logging.Component("pubsub").WithField("instance", s.instanceID).Info("Listening for cache invalidations")
	return nil
}

func (s *PubSubService) processMessages() {
	defer close(s.done)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handlePayload(msg.Payload)
		}
	}
}

func (s *PubSubService) handlePayload(payload string) {
	var message PubSubMessage
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		logging.Component("pubsub").WithError(err).Warn("Dropping malformed message")
		return
	}

	// Skip messages from this instance
	if message.InstanceID == s.instanceID {
		return
	}

	s.mu.RLock()
	handlers := s.handlers[message.Type]
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(&message)
	}
}

// Publish sends an invalidation of msgType to every other instance.
// userID is empty for InvalidateAll.
func (s *PubSubService) Publish(ctx context.Context, msgType, userID string) error {
	data, err := json.Marshal(&PubSubMessage{
		Type:       msgType,
		UserID:     userID,
		InstanceID: s.instanceID,
	})
	if err != nil {
		return err
	}
	return s.redis.Client().Publish(ctx, CacheInvalidationChannel, data).Err()
}

// Stop stops the pub/sub service
func (s *PubSubService) Stop() error {
	s.cancel()
	if s.pubsub == nil {
		return nil
	}
	err := s.pubsub.Close()
	<-s.done
	return err
}

// BindCache keeps cache's L1 consistent with invalidations from other
// instances and publishes the local ones.
func (s *PubSubService) BindCache(cache *SemanticCacheService) {
	s.Subscribe(InvalidateUser, func(m *PubSubMessage) {
		if m.UserID != "" {
			cache.DropLocal(m.UserID)
		}
	})
	s.Subscribe(InvalidateAll, func(m *PubSubMessage) {
		cache.PurgeLocal()
	})
	cache.SetBroadcaster(s)
}

// BindInsights drops cached insight profiles written by other instances
// and publishes the local writes.
func (s *PubSubService) BindInsights(insights *InsightService) {
	s.Subscribe(InvalidateProfile, func(m *PubSubMessage) {
		if m.UserID != "" {
			insights.DropProfile(m.UserID)
		}
	})
	insights.SetBroadcaster(s)
}
