package chat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/deepchat-go/internal/llm"
	"github.com/comigor/deepchat-go/internal/logger"
	"github.com/comigor/deepchat-go/internal/persist"
)

// StorageKey is the fixed key the store persists its durable slice under.
const StorageKey = "deepchat-storage"

// Send lifecycle FSM states
var (
	stateReadyToStream stateless.State = "ReadyToStream"
	stateStreaming     stateless.State = "Streaming"
	stateDone          stateless.State = "Done"  // Terminal: successful completion
	stateError         stateless.State = "Error" // Terminal: error state
)

// Send lifecycle FSM triggers
var (
	triggerSend         stateless.Trigger = "Send"
	triggerStreamOpened stateless.Trigger = "StreamOpened"
	triggerStreamClosed stateless.Trigger = "StreamClosed"
	triggerStreamFailed stateless.Trigger = "StreamFailed"
)

// State is the store's observable state. Values handed out are deep copies;
// observers never alias live store data.
type State struct {
	Conversations        []Conversation `json:"conversations"`
	ActiveConversationID string         `json:"activeConversationId"`
	IsLoading            bool           `json:"isLoading"`
	Err                  string         `json:"error,omitempty"`
}

// persistedState is the durable slice of the store's state. The loading and
// error fields are transient and always start false/empty on rehydration.
type persistedState struct {
	Conversations        []Conversation `json:"conversations"`
	ActiveConversationID string         `json:"activeConversationId"`
}

// Store owns all conversation and message data. Every mutation replaces the
// affected slices rather than mutating in place, so each transition is
// atomic from an observer's point of view.
type Store struct {
	mu      sync.Mutex
	state   State
	subs    map[int]func(State)
	nextSub int

	streamer llm.Streamer
	kv       persist.KV
}

// New creates a Store seeded from durable storage. Absent or malformed
// stored data seeds fresh empty state, never an error.
func New(streamer llm.Streamer, kv persist.KV) *Store {
	s := &Store{
		streamer: streamer,
		kv:       kv,
		subs:     make(map[int]func(State)),
	}
	if kv != nil {
		if raw, ok := kv.Get(StorageKey); ok {
			var ps persistedState
			if err := json.Unmarshal(raw, &ps); err != nil {
				logger.L.Warn("discarding malformed stored chat state", "error", err)
			} else {
				s.state.Conversations = ps.Conversations
				s.state.ActiveConversationID = ps.ActiveConversationID
			}
		}
	}
	return s
}

// Subscribe registers an observer invoked with a state snapshot after every
// mutation. Callbacks run while the store lock is held, so transitions are
// observed in order; they must not call back into the store. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

// ActiveConversation returns a copy of the active conversation. A dangling
// or unset active id reads as no active conversation.
func (s *Store) ActiveConversation() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := findConversation(s.state.Conversations, s.state.ActiveConversationID)
	if !ok {
		return Conversation{}, false
	}
	c.Messages = append([]Message(nil), c.Messages...)
	return c, true
}

// CreateConversation prepends a new empty conversation to the list, makes it
// active and returns its id.
func (s *Store) CreateConversation() string {
	id := newID()
	now := nowMillis()
	conv := Conversation{
		ID:        id,
		Title:     defaultTitle,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mutate(func(st *State) {
		st.Conversations = append([]Conversation{conv}, st.Conversations...)
		st.ActiveConversationID = id
	})
	return id
}

// DeleteConversation removes the conversation with the given id; absent ids
// are a no-op. Deleting the active conversation re-points the active id at
// the first remaining conversation, or none when the list is empty. An
// in-flight stream into the deleted conversation is not cancelled: its
// remaining folds find no target and do nothing.
func (s *Store) DeleteConversation(id string) {
	s.mutate(func(st *State) {
		remaining := make([]Conversation, 0, len(st.Conversations))
		for _, c := range st.Conversations {
			if c.ID != id {
				remaining = append(remaining, c)
			}
		}
		st.Conversations = remaining

		if st.ActiveConversationID == id {
			if len(remaining) > 0 {
				st.ActiveConversationID = remaining[0].ID
			} else {
				st.ActiveConversationID = ""
			}
		}
	})
}

// SetActiveConversation sets the active pointer unconditionally, without
// validating that the id exists. A dangling id reads as no active
// conversation.
func (s *Store) SetActiveConversation(id string) {
	s.mutate(func(st *State) {
		st.ActiveConversationID = id
	})
}

// ClearError clears the error field.
func (s *Store) ClearError() {
	s.mutate(func(st *State) {
		st.Err = ""
	})
}

// SendMessage appends content as a user message to the active conversation,
// creating one when none is active, then streams the assistant reply into a
// placeholder message. The target conversation is bound once, here; switching
// or deleting conversations mid-stream does not retarget the folds. All
// failures are captured into the error field, never returned; content is
// assumed non-empty, validation being the caller's responsibility.
func (s *Store) SendMessage(ctx context.Context, content string) {
	s.mu.Lock()
	targetID := s.state.ActiveConversationID
	if _, ok := findConversation(s.state.Conversations, targetID); !ok {
		targetID = ""
	}
	s.mu.Unlock()

	if targetID == "" {
		targetID = s.CreateConversation()
	}

	userMsg := Message{
		ID:        newID(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: nowMillis(),
	}

	var history []llm.ChatMessage
	s.mutate(func(st *State) {
		st.IsLoading = true
		st.Err = ""
		st.Conversations = updateConversation(st.Conversations, targetID, func(c *Conversation) {
			if len(c.Messages) == 0 {
				c.Title = deriveTitle(content)
			}
			c.Messages = append(append([]Message(nil), c.Messages...), userMsg)
			c.UpdatedAt = nowMillis()

			history = make([]llm.ChatMessage, 0, len(c.Messages))
			for _, m := range c.Messages {
				history = append(history, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
			}
		})
	})

	placeholderID := newID()
	s.mutate(func(st *State) {
		st.Conversations = updateConversation(st.Conversations, targetID, func(c *Conversation) {
			c.Messages = append(append([]Message(nil), c.Messages...), Message{
				ID:        placeholderID,
				Role:      RoleAssistant,
				Timestamp: nowMillis(),
			})
		})
	})

	var stream *llm.Stream
	var sendErr error

	fsm := stateless.NewStateMachine(stateReadyToStream)

	fsm.Configure(stateReadyToStream).
		PermitReentry(triggerSend).
		OnEntry(func(ctx context.Context, _ ...any) error {
			opened, err := s.streamer.StreamChat(ctx, history)
			if err != nil {
				sendErr = err
				return fsm.FireCtx(ctx, triggerStreamFailed)
			}
			stream = opened
			return fsm.FireCtx(ctx, triggerStreamOpened)
		}).
		Permit(triggerStreamOpened, stateStreaming).
		Permit(triggerStreamFailed, stateError)

	fsm.Configure(stateStreaming).
		OnEntry(func(ctx context.Context, _ ...any) error {
			for snap := range stream.Snapshots() {
				s.foldSnapshot(targetID, placeholderID, snap)
			}
			if err := stream.Err(); err != nil {
				sendErr = err
				return fsm.FireCtx(ctx, triggerStreamFailed)
			}
			return fsm.FireCtx(ctx, triggerStreamClosed)
		}).
		Permit(triggerStreamClosed, stateDone).
		Permit(triggerStreamFailed, stateError)

	fsm.Configure(stateDone).
		OnEntry(func(context.Context, ...any) error {
			s.mutate(func(st *State) {
				st.IsLoading = false
			})
			return nil
		})

	fsm.Configure(stateError).
		OnEntry(func(context.Context, ...any) error {
			logger.L.Error("send failed", "conversation", targetID, "error", sendErr)
			s.mutate(func(st *State) {
				st.Err = errorText(sendErr)
				st.Conversations = updateConversation(st.Conversations, targetID, func(c *Conversation) {
					msgs := make([]Message, 0, len(c.Messages))
					for _, m := range c.Messages {
						// keep the placeholder when partial output already arrived
						if m.ID == placeholderID && m.Content == "" {
							continue
						}
						msgs = append(msgs, m)
					}
					c.Messages = msgs
				})
				st.IsLoading = false
			})
			return nil
		})

	if err := fsm.FireCtx(ctx, triggerSend); err != nil {
		logger.L.Warn("send state machine fire error", "error", err)
	}
}

// foldSnapshot replaces the placeholder's content with a cumulative
// snapshot. The target is located by id, so folds are unaffected by which
// conversation is currently active, and a deleted target turns the fold
// into a no-op. Snapshots that would shrink already-applied output violate
// the cumulative contract and are dropped.
func (s *Store) foldSnapshot(targetID, placeholderID string, snap llm.Snapshot) {
	s.mutate(func(st *State) {
		st.Conversations = updateConversation(st.Conversations, targetID, func(c *Conversation) {
			msgs := append([]Message(nil), c.Messages...)
			for i := range msgs {
				if msgs[i].ID != placeholderID {
					continue
				}
				if len(snap.Content) < len(msgs[i].Content) || len(snap.Reasoning) < len(msgs[i].Reasoning) {
					logger.L.Warn("dropping non-cumulative stream snapshot", "conversation", targetID)
					return
				}
				msgs[i].Content = snap.Content
				msgs[i].Reasoning = snap.Reasoning
				c.Messages = msgs
				c.UpdatedAt = nowMillis()
				return
			}
		})
	})
}

// mutate applies fn to the state, persists the durable slice and notifies
// subscribers with independent snapshots. All of it happens under the store
// lock so concurrent mutations persist and notify in the same order they
// applied; a write of an older snapshot can never land after a newer one.
// Subscriber callbacks therefore must not call back into the store.
func (s *Store) mutate(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.state)
	snap := cloneState(s.state)
	s.persist(snap)
	for _, sub := range s.subs {
		sub(cloneState(snap))
	}
}

// persist writes the durable slice through the kv store. Failures are
// logged, never surfaced as store errors.
func (s *Store) persist(snap State) {
	if s.kv == nil {
		return
	}
	raw, err := json.Marshal(persistedState{
		Conversations:        snap.Conversations,
		ActiveConversationID: snap.ActiveConversationID,
	})
	if err != nil {
		logger.L.Error("failed to encode chat state", "error", err)
		return
	}
	if err := s.kv.Set(StorageKey, raw); err != nil {
		logger.L.Error("failed to persist chat state", "error", err)
	}
}

// updateConversation returns a new conversation slice with fn applied to a
// copy of the conversation matching id. Other conversations are carried
// over untouched; an absent id leaves the contents unchanged.
func updateConversation(convs []Conversation, id string, fn func(*Conversation)) []Conversation {
	out := make([]Conversation, len(convs))
	for i, c := range convs {
		if c.ID == id {
			fn(&c)
		}
		out[i] = c
	}
	return out
}

func findConversation(convs []Conversation, id string) (Conversation, bool) {
	if id == "" {
		return Conversation{}, false
	}
	for _, c := range convs {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

func cloneState(st State) State {
	st.Conversations = cloneConversations(st.Conversations)
	return st
}

func cloneConversations(convs []Conversation) []Conversation {
	out := make([]Conversation, len(convs))
	for i, c := range convs {
		c.Messages = append([]Message(nil), c.Messages...)
		out[i] = c
	}
	return out
}

func errorText(err error) string {
	if err == nil {
		return "an unexpected error occurred"
	}
	return err.Error()
}
