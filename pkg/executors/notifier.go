package executors

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/S-Corkum/meshflow/pkg/models"
	"github.com/S-Corkum/meshflow/pkg/observability"
)

// Notification is one outbound message about a user task or step.
type Notification struct {
	Type       string                 `json:"type"`
	Recipient  string                 `json:"recipient"`
	Subject    string                 `json:"subject"`
	Body       string                 `json:"body"`
	TaskID     string                 `json:"task_id,omitempty"`
	InstanceID string                 `json:"instance_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Notifier delivers notifications over one channel (email, sms, system bus).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n *Notification) error
}

// NotifierRegistry holds named notifiers, published copy-on-write.
type NotifierRegistry struct {
	mu sync.Mutex
	m  atomic.Value // map[string]Notifier
}

// NewNotifierRegistry creates an empty notifier registry.
func NewNotifierRegistry() *NotifierRegistry {
	r := &NotifierRegistry{}
	r.m.Store(map[string]Notifier{})
	return r
}

// Register publishes a notifier under its name.
func (r *NotifierRegistry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.m.Load().(map[string]Notifier)
	next := make(map[string]Notifier, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[n.Name()] = n
	r.m.Store(next)
}

// Get returns the named notifier.
func (r *NotifierRegistry) Get(name string) (Notifier, bool) {
	n, ok := r.m.Load().(map[string]Notifier)[name]
	return n, ok
}

// LogNotifier writes notifications to the log. It backs the email and sms
// channels when no real gateway is wired in; production deployments replace
// it through the registry.
type LogNotifier struct {
	name   string
	logger observability.Logger
}

// NewLogNotifier creates a log-backed notifier for the given channel name.
func NewLogNotifier(name string, logger observability.Logger) *LogNotifier {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &LogNotifier{name: name, logger: logger}
}

// Name returns the channel name.
func (n *LogNotifier) Name() string { return n.name }

// Notify logs the notification.
func (n *LogNotifier) Notify(_ context.Context, msg *Notification) error {
	n.logger.Info("notification", map[string]interface{}{
		"channel":   n.name,
		"recipient": msg.Recipient,
		"subject":   msg.Subject,
		"task_id":   msg.TaskID,
	})
	return nil
}

// SystemNotifier publishes notifications to a redis channel so that other
// services (inboxes, websocket fan-out) can consume them.
type SystemNotifier struct {
	client  *redis.Client
	channel string
	logger  observability.Logger
}

// NewSystemNotifier creates the redis-backed system notifier.
func NewSystemNotifier(client *redis.Client, channel string, logger observability.Logger) *SystemNotifier {
	if channel == "" {
		channel = "meshflow:notifications"
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SystemNotifier{client: client, channel: channel, logger: logger}
}

// Name returns "system".
func (n *SystemNotifier) Name() string { return "system" }

// Notify publishes the notification as JSON.
func (n *SystemNotifier) Notify(ctx context.Context, msg *Notification) error {
	if n.client == nil {
		return models.NewWorkflowError(models.ErrKindResource, "system notifier has no redis client")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode notification")
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish notification")
	}
	return nil
}
