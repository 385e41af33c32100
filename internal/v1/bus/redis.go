// Package bus forwards REST-driven resource mutations from outside the
// gateway process to the room that should hear about them.
// It is a thin Redis pub/sub wrapper, circuit-broken so a Redis outage
// degrades the gateway to local-only fan-out instead of blocking handlers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
)

const resourceUpdatedChannel = "resource.updated"

// ResourceUpdateEvent is the payload carried on the resource.updated channel,
// emitted by the REST side on every resource mutation.
type ResourceUpdateEvent struct {
	ResourceType         string          `json:"resourceType"`
	ResourceUUID         string          `json:"resourceUuid"`
	ResourceRevisionUUID string          `json:"resourceRevisionUuid"`
	UpdatedBy            string          `json:"updatedBy"`
	UpdatedByUserID      string          `json:"updatedByUserId"`
	Operation            string          `json:"operation"`
	SubResourceType      string          `json:"subResourceType,omitempty"`
	SubResourceID        string          `json:"subResourceId,omitempty"`
	Status               string          `json:"status,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
	ChangesSummary       json.RawMessage `json:"changesSummary,omitempty"`
}

// RoomID computes the room this event belongs to.
func (e ResourceUpdateEvent) RoomID() string {
	return fmt.Sprintf("%s:%s", e.ResourceType, e.ResourceUUID)
}

// Service wraps the Redis client used for cross-replica resource-update
// fan-out, guarded by a circuit breaker.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client (nil in single-instance mode).
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService opens a Redis connection and wraps it in a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to Redis pub/sub", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// PublishResourceUpdate broadcasts a resource-update event to every gateway
// replica. In single-instance mode (s == nil) this is a no-op — the caller
// is expected to also apply the update to its own local room broadcast.
func (s *Service) PublishResourceUpdate(ctx context.Context, event ResourceUpdateEvent) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal resource update event: %w", err)
		}
		return nil, s.client.Publish(ctx, resourceUpdatedChannel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.BusMessagesPublished.WithLabelValues("circuit_open").Inc()
			slog.Warn("redis circuit breaker open: dropping resource update publish", "roomId", event.RoomID())
			return nil
		}
		metrics.BusMessagesPublished.WithLabelValues("error").Inc()
		slog.Error("redis publish failed", "roomId", event.RoomID(), "error", err)
		return err
	}

	metrics.BusMessagesPublished.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe starts a background goroutine forwarding every resource.updated
// message to handler. A handler panic is recovered and logged with its
// stack; neither a bad message nor a bad handler ever stops the loop.
func (s *Service) Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(ResourceUpdateEvent)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, resourceUpdatedChannel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to resource update channel", "channel", resourceUpdatedChannel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("resource update subscription channel closed")
					return
				}

				var event ResourceUpdateEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					metrics.BusMessagesReceived.WithLabelValues("unmarshal_error").Inc()
					slog.Error("failed to unmarshal resource update event", "error", err, "raw", msg.Payload)
					continue
				}

				metrics.BusMessagesReceived.WithLabelValues("ok").Inc()
				deliver(handler, event)
			}
		}
	}()
}

// deliver invokes handler behind a recover so a panicking subscriber cannot
// kill the subscription goroutine.
func deliver(handler func(ResourceUpdateEvent), event ResourceUpdateEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusMessagesReceived.WithLabelValues("handler_panic").Inc()
			slog.Error("resource update handler panicked",
				"roomId", event.RoomID(),
				"error", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	handler(event)
}

// Ping checks Redis connectivity; used by the health handler.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
