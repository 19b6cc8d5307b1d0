package client

import (
	"slices"
	"sync"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// GroupConversation keys the group thread. Private threads are keyed by peer.
const GroupConversation = ""

type thread struct {
	seen     map[string]struct{}
	messages []chat.Message
	unread   int
	loaded   bool
}

// Inbox buffers messages per conversation, dropping redeliveries by id.
type Inbox struct {
	mu      sync.Mutex
	self    string
	focused string
	threads map[string]*thread
}

func NewInbox() *Inbox {
	return &Inbox{threads: make(map[string]*thread)}
}

// SetSelf records the local identity; private threads are keyed by the other party.
func (in *Inbox) SetSelf(identity string) {
	in.mu.Lock()
	in.self = identity
	in.mu.Unlock()
}

// Receive adds one live message and reports whether it was new.
func (in *Inbox) Receive(msg chat.Message) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	key := in.keyFor(msg)
	t := in.thread(key)
	if !t.add(msg) {
		return false
	}
	if msg.IsPrivate() && msg.Sender != in.self && key != in.focused {
		t.unread++
	}
	return true
}

// Merge folds a history replay into a conversation and returns how many
// messages were new. Replays never touch unread counters.
func (in *Inbox) Merge(key string, msgs []chat.Message) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	t := in.thread(key)
	t.loaded = true
	added := 0
	for _, msg := range msgs {
		if t.add(msg) {
			added++
		}
	}
	if added > 0 {
		slices.SortStableFunc(t.messages, func(a, b chat.Message) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
	}
	return added
}

// Focus makes key the active conversation, clearing its unread count.
// It reports whether the conversation still needs its history loaded.
func (in *Inbox) Focus(key string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.focused = key
	t := in.thread(key)
	t.unread = 0
	return !t.loaded
}

// Focused returns the active conversation key.
func (in *Inbox) Focused() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.focused
}

func (in *Inbox) Unread(key string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.threads[key]; ok {
		return t.unread
	}
	return 0
}

// Messages returns a copy of the conversation in display order.
func (in *Inbox) Messages(key string) []chat.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.threads[key]; ok {
		return slices.Clone(t.messages)
	}
	return nil
}

// Conversations lists the known private peers.
func (in *Inbox) Conversations() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	peers := make([]string, 0, len(in.threads))
	for key := range in.threads {
		if key != GroupConversation {
			peers = append(peers, key)
		}
	}
	slices.Sort(peers)
	return peers
}

// Invalidate marks every private thread as needing a fresh history replay,
// used when a new session opens. It returns the focused peer, or
// GroupConversation when the group thread has focus.
func (in *Inbox) Invalidate() string {
	in.mu.Lock()
	defer in.mu.Unlock()

	for key, t := range in.threads {
		if key != GroupConversation {
			t.loaded = false
		}
	}
	return in.focused
}

// Reset forgets everything, used on logout.
func (in *Inbox) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.self = ""
	in.focused = GroupConversation
	in.threads = make(map[string]*thread)
}

func (in *Inbox) keyFor(msg chat.Message) string {
	if !msg.IsPrivate() {
		return GroupConversation
	}
	if msg.Sender == in.self {
		return msg.Recipient
	}
	return msg.Sender
}

func (in *Inbox) thread(key string) *thread {
	t, ok := in.threads[key]
	if !ok {
		t = &thread{seen: make(map[string]struct{})}
		in.threads[key] = t
	}
	return t
}

func (t *thread) add(msg chat.Message) bool {
	if _, dup := t.seen[msg.ID]; dup {
		return false
	}
	t.seen[msg.ID] = struct{}{}
	t.messages = append(t.messages, msg)
	return true
}
