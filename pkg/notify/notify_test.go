package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender captures sends and fails contacts listed in failFor.
type recordingSender struct {
	mu      sync.Mutex
	sent    []Message
	failFor map[string]int // contact -> remaining failures
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.failFor[msg.Contact]; ok && n > 0 {
		s.failFor[msg.Contact] = n - 1
		return fmt.Errorf("gateway unavailable for %s", msg.Contact)
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) contacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Contact)
	}
	return out
}

func TestFanout_BroadcastReachesEveryContact(t *testing.T) {
	sender := &recordingSender{}
	f := NewFanout(sender, nil)

	delivered := f.Broadcast(context.Background(), []string{"sec-oncall", "ciso", "ops"}, ChannelChat, "escalation", "stage overdue")
	assert.Equal(t, 3, delivered)
	assert.ElementsMatch(t, []string{"sec-oncall", "ciso", "ops"}, sender.contacts())
}

func TestFanout_RetriesTransientFailures(t *testing.T) {
	sender := &recordingSender{failFor: map[string]int{"flaky": 1}}
	f := NewFanout(sender, nil)
	f.initialWait = time.Millisecond

	delivered := f.Broadcast(context.Background(), []string{"flaky"}, ChannelEmail, "s", "b")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"flaky"}, sender.contacts())
}

func TestFanout_OneDeadContactNeverBlocksTheRest(t *testing.T) {
	sender := &recordingSender{failFor: map[string]int{"dead": 100}}
	f := NewFanout(sender, nil)
	f.initialWait = time.Millisecond

	delivered := f.Broadcast(context.Background(), []string{"dead", "alive"}, ChannelSMS, "s", "b")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"alive"}, sender.contacts())
}

func TestLogSender_RejectsEmptyContact(t *testing.T) {
	s := NewLogSender(nil)
	require.Error(t, s.Send(context.Background(), Message{}))
	require.NoError(t, s.Send(context.Background(), Message{Contact: "ops", Channel: ChannelChat}))
}
