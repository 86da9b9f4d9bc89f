// Package notify broadcasts new challenges to members over ZeroMQ PUB/SUB.
// Members that subscribe learn of a rotation without polling the HTTP API.
package notify

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/pkg/log"
)

// TopicRound prefixes every challenge announcement.
const TopicRound = "round"

const pollInterval = 250 * time.Millisecond

// Announcement is the JSON payload published for a new round.
type Announcement struct {
	RoundID       uint64    `json:"round_id"`
	Target        string    `json:"target"`
	MinDifficulty uint32    `json:"min_difficulty"`
	StartedAt     time.Time `json:"started_at"`
}

// NewAnnouncement describes ch.
func NewAnnouncement(ch pool.Challenge) Announcement {
	return Announcement{
		RoundID:       ch.RoundID,
		Target:        hex.EncodeToString(ch.Target[:]),
		MinDifficulty: ch.MinDifficulty,
		StartedAt:     ch.StartedAt,
	}
}

// Challenge converts the announcement back.
func (a Announcement) Challenge() (pool.Challenge, error) {
	ch := pool.Challenge{RoundID: a.RoundID, MinDifficulty: a.MinDifficulty, StartedAt: a.StartedAt}
	raw, err := hex.DecodeString(a.Target)
	if err != nil || len(raw) != len(ch.Target) {
		return ch, fmt.Errorf("malformed announced target %q", a.Target)
	}
	copy(ch.Target[:], raw)
	return ch, nil
}

// Announcer publishes announcements on a bound PUB socket.
type Announcer struct {
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewAnnouncer binds a PUB socket to endpoint.
func NewAnnouncer(endpoint string, logger *log.Logger) (*Announcer, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("announcer")
	logger.Info("bound ZMQ publisher", "endpoint", endpoint)
	return &Announcer{socket: socket, endpoint: endpoint, logger: logger}, nil
}

// Announce publishes ch to every subscriber.
func (a *Announcer) Announce(ch pool.Challenge) error {
	payload, err := json.Marshal(NewAnnouncement(ch))
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.socket.SendMessage(TopicRound, payload); err != nil {
		return fmt.Errorf("failed to publish announcement: %w", err)
	}
	a.logger.WithRound(ch.RoundID).Debug("announced challenge", "size", len(payload))
	return nil
}

// Close closes the socket.
func (a *Announcer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.socket.Close()
}

// Subscriber receives announcements from a connected SUB socket.
type Subscriber struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewSubscriber connects a SUB socket to endpoint and subscribes to rounds.
func NewSubscriber(endpoint string, logger *log.Logger) (*Subscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(pollInterval); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set receive timeout: %w", err)
	}
	if err := socket.SetSubscribe(TopicRound); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", TopicRound, err)
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", endpoint, err)
	}

	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("subscriber")
	logger.Info("connected to ZMQ endpoint", "endpoint", endpoint)
	return &Subscriber{socket: socket, endpoint: endpoint, logger: logger}, nil
}

// Listen delivers announcements to handler until ctx is done. Malformed
// messages are logged and skipped.
func (s *Subscriber) Listen(ctx context.Context, handler func(Announcement) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := s.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			s.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(msg) < 2 || string(msg[0]) != TopicRound {
			s.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		var a Announcement
		if err := json.Unmarshal(msg[1], &a); err != nil {
			s.logger.Warn("received undecodable announcement", "error", err)
			continue
		}

		if err := handler(a); err != nil {
			s.logger.WithRound(a.RoundID).Error("failed to handle announcement", "error", err)
		}
	}
}

// Close closes the socket.
func (s *Subscriber) Close() error {
	return s.socket.Close()
}
