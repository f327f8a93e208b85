package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EphemeralTTL is how long an ephemeral reveal stays visible before the
// delete timer fires.
const EphemeralTTL = 60 * time.Second

// navigationDepth bounds the per-user navigation stack.
const navigationDepth = 10

// Message is a channel-agnostic outbound message. Keyboard rows are opaque
// action labels the delivery channel renders however it can.
type Message struct {
	Text     string
	Keyboard [][]string
}

// Notifier abstracts the delivery channel. Implementations that cannot
// delete messages return ErrDeletionUnsupported from DeleteUserMessage and
// ephemeral sends are skipped entirely.
type Notifier interface {
	// SendMain delivers the user's primary screen and returns the
	// channel message id.
	SendMain(ctx context.Context, userID int64, msg Message) (int64, error)
	// SendNotification delivers a fire-and-forget notice outside the
	// main slot.
	SendNotification(ctx context.Context, userID int64, text string) error
	// DeleteUserMessage removes a previously sent message.
	DeleteUserMessage(ctx context.Context, userID, messageID int64) error
}

// ErrDeletionUnsupported is returned by channels without message deletion.
var ErrDeletionUnsupported = fmt.Errorf("notify: deletion unsupported")

// SendEphemeral delivers a short-lived message and schedules its deletion
// after EphemeralTTL. Used for the one-shot private key reveal. When the
// channel cannot delete, nothing is sent and the caller must fall back to a
// non-ephemeral flow.
func SendEphemeral(ctx context.Context, n Notifier, userID int64, text string) error {
	id, err := n.SendMain(ctx, userID, Message{Text: text})
	if err != nil {
		return err
	}
	time.AfterFunc(EphemeralTTL, func() {
		deleteCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.DeleteUserMessage(deleteCtx, userID, id); err != nil {
			slog.Warn("ephemeral delete failed", "user", userID, "message", id, "error", err)
		}
	})
	return nil
}

type userState struct {
	messageID int64
	stack     []Message
}

// MainMessageManager keeps a single "main" message per user. Every send
// deletes the previous slot first so the conversation never accumulates
// stale screens, and a bounded navigation stack supports Back.
type MainMessageManager struct {
	notifier Notifier

	mu    sync.Mutex
	users map[int64]*userState
}

func NewMainMessageManager(n Notifier) *MainMessageManager {
	return &MainMessageManager{notifier: n, users: make(map[int64]*userState)}
}

// Show replaces the user's main message and pushes the previous screen onto
// the navigation stack. The oldest entry is dropped once the stack is full.
func (m *MainMessageManager) Show(ctx context.Context, userID int64, msg Message) error {
	m.mu.Lock()
	state, ok := m.users[userID]
	if !ok {
		state = &userState{}
		m.users[userID] = state
	}
	prevID := state.messageID
	m.mu.Unlock()

	if prevID != 0 {
		if err := m.notifier.DeleteUserMessage(ctx, userID, prevID); err != nil && err != ErrDeletionUnsupported {
			slog.Debug("main message delete failed", "user", userID, "message", prevID, "error", err)
		}
	}
	id, err := m.notifier.SendMain(ctx, userID, msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	state.messageID = id
	state.stack = append(state.stack, msg)
	if len(state.stack) > navigationDepth {
		state.stack = state.stack[len(state.stack)-navigationDepth:]
	}
	m.mu.Unlock()
	return nil
}

// Back pops the current screen and redisplays the previous one. With no
// history it reports false and leaves the current screen in place.
func (m *MainMessageManager) Back(ctx context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	state, ok := m.users[userID]
	if !ok || len(state.stack) < 2 {
		m.mu.Unlock()
		return false, nil
	}
	// Drop the current screen; the target becomes the new top after Show
	// pushes it again.
	state.stack = state.stack[:len(state.stack)-1]
	target := state.stack[len(state.stack)-1]
	state.stack = state.stack[:len(state.stack)-1]
	m.mu.Unlock()

	if err := m.Show(ctx, userID, target); err != nil {
		return false, err
	}
	return true, nil
}

// Reset clears the user's slot and history, used when a deal reaches a
// terminal state.
func (m *MainMessageManager) Reset(userID int64) {
	m.mu.Lock()
	delete(m.users, userID)
	m.mu.Unlock()
}

// Depth reports the user's navigation stack size.
func (m *MainMessageManager) Depth(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.users[userID]; ok {
		return len(state.stack)
	}
	return 0
}
