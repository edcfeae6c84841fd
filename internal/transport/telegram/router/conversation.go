package router

import (
	"context"
	"sync"
	"time"

	kit "gamenight/internal/transport"
)

type waitKey struct {
	chatID int64
	userID int64
}

// Waiter hands a user's next message in a chat to whoever is waiting for it.
// The dispatch loop offers every message here before routing commands.
type Waiter struct {
	mu      sync.Mutex
	waiting map[waitKey]chan kit.Message
}

func NewWaiter() *Waiter {
	return &Waiter{waiting: map[waitKey]chan kit.Message{}}
}

// Offer delivers msg to a pending wait and reports whether it was consumed.
func (w *Waiter) Offer(msg kit.Message) bool {
	k := waitKey{chatID: msg.ChatID, userID: msg.FromID}
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.waiting[k]
	if !ok {
		return false
	}
	delete(w.waiting, k)
	// Each channel is offered at most once and has room for it, so this never
	// blocks. Sending under the lock lets Await drain after it deregisters.
	ch <- msg
	return true
}

// Await blocks until the user writes in the chat, the timeout passes, or ctx
// ends. A second Await for the same user and chat replaces the first.
func (w *Waiter) Await(ctx context.Context, chatID, userID int64, timeout time.Duration) (kit.Message, bool, error) {
	k := waitKey{chatID: chatID, userID: userID}
	ch := make(chan kit.Message, 1)
	w.mu.Lock()
	w.waiting[k] = ch
	w.mu.Unlock()

	// remove deregisters ch and returns a message Offer already handed over.
	remove := func() (kit.Message, bool) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.waiting[k] == ch {
			delete(w.waiting, k)
		}
		select {
		case msg := <-ch:
			return msg, true
		default:
			return kit.Message{}, false
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-ch:
		return msg, true, nil
	case <-t.C:
		msg, ok := remove()
		return msg, ok, nil
	case <-ctx.Done():
		if msg, ok := remove(); ok {
			return msg, true, nil
		}
		return kit.Message{}, false, ctx.Err()
	}
}

// Conversation binds a request's chat and user to the adapter and waiter.
type Conversation struct {
	adapter kit.Adapter
	waiter  *Waiter
	chat    kit.ChatTarget
	userID  int64
	opt     *kit.SendOptions
}

func NewConversation(adapter kit.Adapter, waiter *Waiter, chat kit.ChatTarget, userID int64) *Conversation {
	return &Conversation{adapter: adapter, waiter: waiter, chat: chat, userID: userID, opt: &kit.SendOptions{DisablePreview: true}}
}

func (c *Conversation) Reply(ctx context.Context, text string) (kit.MessageRef, error) {
	return c.adapter.SendText(ctx, c.chat, text, c.opt)
}

func (c *Conversation) Edit(ctx context.Context, ref kit.MessageRef, text string) error {
	return c.adapter.EditText(ctx, ref, text, c.opt)
}

func (c *Conversation) Retract(ctx context.Context, ref kit.MessageRef) error {
	return c.adapter.DeleteMessage(ctx, ref)
}

func (c *Conversation) AwaitReply(ctx context.Context, timeout time.Duration) (string, bool, error) {
	msg, ok, err := c.waiter.Await(ctx, c.chat.ChatID, c.userID, timeout)
	return msg.Text, ok, err
}
