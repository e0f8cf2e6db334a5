// Package listener implements EventListener: a thin wrapper
// around Google Cloud Pub/Sub, grounded on
// original_source/vibi-dpu/src/pubsub/listener.rs's listen_messages.
// The Rust original lazily creates the topic and an ordered
// subscription, then dedups incoming messages against a bounded FIFO
// of the last 100 digests before dispatching and always
// acknowledging. This keeps that shape, replacing the dispatch target
// with Orchestrator.Dispatch.
package listener

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/vibinex/review-agent/internal/publisher"
)

// Dispatcher is the subset of Orchestrator the listener depends on,
// so tests can substitute a stub instead of building the full
// pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, body []byte) error
}

// dedupWindow is a bounded FIFO of message digests, searched linearly
// rather than through a set, mirroring the original's
// VecDeque<String> + .contains() exactly. A message whose digest is
// already in the window is dropped before dispatch.
type dedupWindow struct {
	mu       sync.Mutex
	capacity int
	hashes   []string
}

func newDedupWindow(capacity int) *dedupWindow {
	return &dedupWindow{capacity: capacity}
}

// seenOrRemember reports whether hash was already in the window. If
// not, it is appended and the window is trimmed from the front down
// to capacity.
func (d *dedupWindow) seenOrRemember(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range d.hashes {
		if h == hash {
			return true
		}
	}
	d.hashes = append(d.hashes, hash)
	for len(d.hashes) > d.capacity {
		d.hashes = d.hashes[1:]
	}
	return false
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Listener owns the Pub/Sub client and the subscription it reads from.
type Listener struct {
	client     *pubsub.Client
	topicName  string
	dispatcher Dispatcher
	publish    *publisher.Publisher
	logger     *logrus.Logger
	dedup      *dedupWindow
}

const dedupCapacity = 100

// New builds a Listener against projectID, authenticating with the
// service account key at credentialsPath (SPEC_FULL.md's
// GCP_CREDENTIALS). credentialsPath may be empty to use ambient
// application-default credentials.
func New(ctx context.Context, projectID, credentialsPath, topicName string, dispatcher Dispatcher, publish *publisher.Publisher, logger *logrus.Logger) (*Listener, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Listener{
		client:     client,
		topicName:  topicName,
		dispatcher: dispatcher,
		publish:    publish,
		logger:     logger,
		dedup:      newDedupWindow(dedupCapacity),
	}, nil
}

// Close releases the underlying Pub/Sub client.
func (l *Listener) Close() error {
	return l.client.Close()
}

// ensureSubscription lazily creates the topic (if absent) and an
// ordered subscription named "{topic}-sub" (if absent), matching
// setup_subscription in the original.
func (l *Listener) ensureSubscription(ctx context.Context) (*pubsub.Subscription, error) {
	topic := l.client.Topic(l.topicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic existence: %w", err)
	}
	if !exists {
		topic, err = l.client.CreateTopic(ctx, l.topicName)
		if err != nil {
			return nil, fmt.Errorf("create topic %s: %w", l.topicName, err)
		}
	}

	subName := l.topicName + "-sub"
	sub := l.client.Subscription(subName)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription existence: %w", err)
	}
	if !subExists {
		sub, err = l.client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
			Topic:                 topic,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %s: %w", subName, err)
		}
	}
	return sub, nil
}

// Listen blocks, receiving messages from the subscription until ctx
// is cancelled or an unrecoverable error occurs. Each message is
// deduped, dispatched (fire-and-forget, per message, so ordering
// within a key is preserved by the subscription but cross-key
// handling is concurrent), and always acknowledged exactly once —
// the original acks unconditionally after process_message returns,
// treating dispatch failure as something Dispatch's own error
// taxonomy already accounts for rather than something Pub/Sub should
// redeliver.
func (l *Listener) Listen(ctx context.Context) error {
	if l.publish != nil {
		if err := l.publish.Health(ctx, publisher.HealthStart, l.topicName, time.Now()); err != nil {
			l.logger.WithError(err).Warn("health ping failed")
		}
	}

	sub, err := l.ensureSubscription(ctx)
	if err != nil {
		if l.publish != nil {
			_ = l.publish.Health(ctx, publisher.HealthFailed, l.topicName, time.Now())
		}
		return err
	}
	if l.publish != nil {
		if err := l.publish.Health(ctx, publisher.HealthSuccess, l.topicName, time.Now()); err != nil {
			l.logger.WithError(err).Warn("health ping failed")
		}
	}

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()

		hash := digest(msg.Data)
		if l.dedup.seenOrRemember(hash) {
			l.logger.WithField("hash", hash).Debug("dropping duplicate message")
			return
		}

		if err := l.dispatcher.Dispatch(ctx, msg.Data); err != nil {
			l.logger.WithError(err).Warn("dispatch failed")
		}
	})
}
