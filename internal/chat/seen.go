package chat

import (
	"context"
	"sync"
	"time"

	"github.com/mheijden/linkup/internal/util"
)

// ReadReceipter sends read receipts to the external read-receipt endpoint.
// Requests are fire-and-forget from the tracker's point of view.
type ReadReceipter interface {
	MarkMessageRead(ctx context.Context, messageID, readerID string) error
}

// SeenTracker decides which inbound messages of the open conversation must
// be acknowledged as seen. It keeps a rolling boundary timestamp that is
// reset whenever the selected conversation changes; store updates within
// one debounce window coalesce into a single acknowledgment pass, so the
// same message is never acknowledged twice across consecutive cycles.
type SeenTracker struct {
	store    *Store
	receipts ReadReceipter
	debounce time.Duration

	mu       sync.Mutex
	conv     string
	boundary time.Time
	acked    map[string]struct{}

	updates chan string
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSeenTracker subscribes to the store and starts the acknowledgment
// loop. Close must be called to release the subscription.
func NewSeenTracker(store *Store, receipts ReadReceipter, debounce time.Duration) *SeenTracker {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	t := &SeenTracker{
		store:    store,
		receipts: receipts,
		debounce: debounce,
		boundary: time.Now(),
		acked:    make(map[string]struct{}),
		updates:  store.Subscribe(),
		done:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

// SetConversation selects the conversation currently on screen. The seen
// boundary resets to now and one pass runs immediately so history loaded
// before the switch is not retro-acknowledged but fresh messages are.
func (t *SeenTracker) SetConversation(conversationID string) {
	t.mu.Lock()
	t.conv = conversationID
	t.boundary = time.Now()
	t.acked = make(map[string]struct{})
	t.mu.Unlock()
}

// Conversation returns the currently selected conversation id.
func (t *SeenTracker) Conversation() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conv
}

// Close stops the loop and releases the store subscription.
func (t *SeenTracker) Close() {
	select {
	case <-t.done:
		return
	default:
		close(t.done)
	}
	t.store.Unsubscribe(t.updates)
	t.wg.Wait()
}

func (t *SeenTracker) loop() {
	defer t.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-t.done:
			return
		case conv, ok := <-t.updates:
			if !ok {
				return
			}
			if conv != t.Conversation() {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(t.debounce)
			}
		case <-timer.C:
			pending = false
			t.pass()
		}
	}
}

// pass acknowledges every inbound message newer than the boundary, then
// advances the boundary to now. Acknowledgment failures are logged and do
// not roll back the local seen assumption.
func (t *SeenTracker) pass() {
	t.mu.Lock()
	conv := t.conv
	boundary := t.boundary
	t.mu.Unlock()
	if conv == "" {
		return
	}

	selfID := t.store.SelfID()
	var targets []*Message
	for _, msg := range t.store.Messages(conv) {
		if msg.SenderID == selfID {
			continue
		}
		if !msg.CreatedAt.After(boundary) {
			continue
		}
		t.mu.Lock()
		_, seen := t.acked[msg.ID]
		if !seen {
			t.acked[msg.ID] = struct{}{}
		}
		t.mu.Unlock()
		if !seen {
			targets = append(targets, msg)
		}
	}

	t.mu.Lock()
	t.boundary = time.Now()
	t.mu.Unlock()

	for _, msg := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
		err := t.receipts.MarkMessageRead(ctx, msg.ID, selfID)
		cancel()
		if err != nil {
			log.Warnf("mark message %s read: %v", msg.ID, err)
		}
		t.store.MarkSeen(conv, msg.ID)
	}
}
