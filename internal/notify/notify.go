// internal/notify/notify.go
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openfleetlabs/fleetmind/api/schemas"
	"github.com/openfleetlabs/fleetmind/internal/config"
)

// Delivery channels.
const (
	ChannelVoice = "voice"
	ChannelApp   = "app"
	ChannelSMS   = "sms"
)

// Sink is a fire-and-forget notification sink. Sends are rate limited per
// process; delivery is logged but never confirmed, so a failed send does not
// fail the owning step.
type Sink struct {
	logger  *zap.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	sent []Sent
}

// Sent records one accepted notification, kept for tests and reporting.
type Sent struct {
	Recipient string
	Message   string
	Channel   string
}

// NewSink builds a Sink from config.
func NewSink(cfg config.NotifyConfig, logger *zap.Logger) *Sink {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Sink{
		logger:  logger.Named("notify"),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

var _ schemas.Notifier = (*Sink)(nil)

// Send queues one notification. It blocks only for the rate limiter and
// returns the context error if cancelled while waiting.
func (s *Sink) Send(ctx context.Context, recipient, message, channel string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.sent = append(s.sent, Sent{Recipient: recipient, Message: message, Channel: channel})
	s.mu.Unlock()

	s.logger.Info("Notification dispatched",
		zap.String("recipient", recipient),
		zap.String("channel", channel),
		zap.Int("message_len", len(message)))
	return nil
}

// SentCount returns how many notifications were accepted.
func (s *Sink) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// Last returns the most recently accepted notification, if any.
func (s *Sink) Last() (Sent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return Sent{}, false
	}
	return s.sent[len(s.sent)-1], true
}
