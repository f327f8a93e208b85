package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu      sync.Mutex
	nextID  int64
	sent    []Message
	deleted []int64
}

func (f *fakeNotifier) SendMain(ctx context.Context, userID int64, msg Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, msg)
	return f.nextID, nil
}

func (f *fakeNotifier) SendNotification(ctx context.Context, userID int64, text string) error {
	return nil
}

func (f *fakeNotifier) DeleteUserMessage(ctx context.Context, userID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func TestMainMessageDeleteThenSend(t *testing.T) {
	fake := &fakeNotifier{}
	mgr := NewMainMessageManager(fake)
	ctx := context.Background()

	require.NoError(t, mgr.Show(ctx, 1, Message{Text: "screen one"}))
	require.Empty(t, fake.deleted)

	require.NoError(t, mgr.Show(ctx, 1, Message{Text: "screen two"}))
	require.Equal(t, []int64{1}, fake.deleted)

	require.NoError(t, mgr.Show(ctx, 1, Message{Text: "screen three"}))
	require.Equal(t, []int64{1, 2}, fake.deleted)
}

func TestMainMessageBack(t *testing.T) {
	fake := &fakeNotifier{}
	mgr := NewMainMessageManager(fake)
	ctx := context.Background()

	require.NoError(t, mgr.Show(ctx, 1, Message{Text: "one"}))
	require.NoError(t, mgr.Show(ctx, 1, Message{Text: "two"}))

	ok, err := mgr.Back(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", fake.sent[len(fake.sent)-1].Text)

	// No further history.
	ok, err = mgr.Back(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNavigationStackBounded(t *testing.T) {
	fake := &fakeNotifier{}
	mgr := NewMainMessageManager(fake)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, mgr.Show(ctx, 1, Message{Text: "screen"}))
	}
	require.Equal(t, navigationDepth, mgr.Depth(1))
}

func TestStacksIsolatedPerUser(t *testing.T) {
	fake := &fakeNotifier{}
	mgr := NewMainMessageManager(fake)
	ctx := context.Background()

	require.NoError(t, mgr.Show(ctx, 1, Message{Text: "user one"}))
	require.NoError(t, mgr.Show(ctx, 2, Message{Text: "user two"}))
	require.Equal(t, 1, mgr.Depth(1))
	require.Equal(t, 1, mgr.Depth(2))

	mgr.Reset(1)
	require.Equal(t, 0, mgr.Depth(1))
	require.Equal(t, 1, mgr.Depth(2))
}
