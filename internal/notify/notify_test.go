package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openfleetlabs/fleetmind/internal/config"
)

func TestSendRecordsNotification(t *testing.T) {
	sink := NewSink(config.Default().Notify, zaptest.NewLogger(t))

	require.NoError(t, sink.Send(context.Background(), "owner:VH002", "service due", ChannelApp))
	require.NoError(t, sink.Send(context.Background(), "owner:VH004", "battery notice", ChannelSMS))

	assert.Equal(t, 2, sink.SentCount())
	last, ok := sink.Last()
	require.True(t, ok)
	assert.Equal(t, "owner:VH004", last.Recipient)
	assert.Equal(t, ChannelSMS, last.Channel)
}

func TestLastOnEmptySink(t *testing.T) {
	sink := NewSink(config.Default().Notify, zaptest.NewLogger(t))
	_, ok := sink.Last()
	assert.False(t, ok)
	assert.Zero(t, sink.SentCount())
}

func TestSendHonorsContextUnderRateLimit(t *testing.T) {
	cfg := config.NotifyConfig{RatePerSecond: 1, Burst: 1}
	sink := NewSink(cfg, zaptest.NewLogger(t))

	require.NoError(t, sink.Send(context.Background(), "r", "first", ChannelApp))

	// The burst is spent; the next send must wait about a second, so a short
	// deadline has to fail instead of blocking the caller.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sink.Send(ctx, "r", "second", ChannelApp)
	require.Error(t, err)
	assert.Equal(t, 1, sink.SentCount(), "a rejected send is not recorded")
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	sink := NewSink(config.NotifyConfig{}, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Send(context.Background(), "r", "m", ChannelVoice))
	}
	assert.Equal(t, 5, sink.SentCount())
}
