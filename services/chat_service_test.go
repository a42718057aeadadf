package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/andkhong/Takehome-SWE/db"
	"github.com/andkhong/Takehome-SWE/db/models"
)

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	messages      map[string][]models.Message

	exchangeErr  error
	finalizeErr  error
	exchangeHits int
	finalizeHits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

func (f *fakeStore) addConversation(id, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	f.conversations[id] = models.Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}
}

func (f *fakeStore) addMessage(conversationID string, role models.Role, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[conversationID] = append(f.messages[conversationID], models.Message{
		ID:             fmt.Sprintf("msg-%d", len(f.messages[conversationID])+1),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Status:         models.StatusSent,
		CreatedAt:      time.Now().UTC(),
	})
}

func (f *fakeStore) CreateConversation(_ context.Context, title string) (*models.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = models.DefaultConversationTitle
	}
	conv := models.Conversation{ID: fmt.Sprintf("conv-%d", len(f.conversations)+1), Title: title, CreatedAt: time.Now().UTC()}
	conv.UpdatedAt = conv.CreatedAt
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[conv.ID] = conv
	return &conv, nil
}

func (f *fakeStore) ListConversations(_ context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]models.Conversation, 0, len(f.conversations))
	for _, conv := range f.conversations {
		result = append(result, conv)
	}
	return result, nil
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, db.ErrNotFound)
	}
	return &conv, nil
}

func (f *fakeStore) RenameConversation(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, db.ErrNotFound)
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	f.conversations[id] = conv
	return nil
}

func (f *fakeStore) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conversations[id]; !ok {
		return fmt.Errorf("conversation %s: %w", id, db.ErrNotFound)
	}
	delete(f.conversations, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeStore) CreateExchange(_ context.Context, conversationID, userText string) (*models.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeHits++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}

	now := time.Now().UTC()
	exchange := &models.Exchange{
		UserMessage: models.Message{
			ID:             fmt.Sprintf("user-%d", f.exchangeHits),
			ConversationID: conversationID,
			Role:           models.RoleUser,
			Content:        userText,
			Status:         models.StatusSent,
			CreatedAt:      now,
		},
		Placeholder: models.Message{
			ID:             fmt.Sprintf("assistant-%d", f.exchangeHits),
			ConversationID: conversationID,
			Role:           models.RoleAssistant,
			Status:         models.StatusSending,
			CreatedAt:      now.Add(time.Microsecond),
		},
	}
	f.messages[conversationID] = append(f.messages[conversationID], exchange.UserMessage, exchange.Placeholder)
	return exchange, nil
}

func (f *fakeStore) FinalizeMessage(_ context.Context, id string, status models.Status, content, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeHits++
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	for convID, msgs := range f.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				msgs[i].Status = status
				msgs[i].Content = content
				msgs[i].ErrorMessage = errorMessage
				f.messages[convID] = msgs
				return nil
			}
		}
	}
	return fmt.Errorf("message %s: %w", id, db.ErrNotFound)
}

func (f *fakeStore) message(conversationID, id string) (models.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.messages[conversationID] {
		if msg.ID == id {
			return msg, true
		}
	}
	return models.Message{}, false
}

type fakeGenerator struct {
	events []StreamEvent

	mu          sync.Mutex
	gotHistory  []Turn
	gotUserText string
	calls       int
}

func (g *fakeGenerator) Stream(ctx context.Context, history []Turn, userText string) <-chan StreamEvent {
	g.mu.Lock()
	g.gotHistory = append([]Turn(nil), history...)
	g.gotUserText = userText
	g.calls++
	g.mu.Unlock()

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for _, event := range g.events {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func newTestChatService(store Store, generator Generator) *ChatService {
	return NewChatService(store, generator, zap.NewNop().Sugar())
}

func collectEvents(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	collected := make([]StreamEvent, 0)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, event)
		case <-timeout:
			t.Fatalf("timed out waiting for stream events, got %d so far", len(collected))
		}
	}
}

func TestSendMessageValidation(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t  "},
		{"over limit", strings.Repeat("a", MaxMessageLength+1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.addConversation("conv-1", "Test")
			service := newTestChatService(store, &fakeGenerator{})

			events, err := service.SendMessage(context.Background(), "conv-1", tc.text)
			if events != nil {
				t.Fatalf("expected no stream for invalid input")
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if store.exchangeHits != 0 {
				t.Fatalf("expected no storage writes, got %d exchange calls", store.exchangeHits)
			}
		})
	}
}

func TestSendMessageAcceptsMaxLengthText(t *testing.T) {
	store := newFakeStore()
	store.addConversation("conv-1", "Test")
	generator := &fakeGenerator{events: []StreamEvent{{Type: StreamEventDone, Content: "ok"}}}
	service := newTestChatService(store, generator)

	events, err := service.SendMessage(context.Background(), "conv-1", strings.Repeat("a", MaxMessageLength))
	if err != nil {
		t.Fatalf("expected max-length text to be accepted, got %v", err)
	}
	collectEvents(t, events)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	store := newFakeStore()
	service := newTestChatService(store, &fakeGenerator{})

	_, err := service.SendMessage(context.Background(), "missing", "hello")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.exchangeHits != 0 {
		t.Fatalf("expected no exchange for unknown conversation")
	}
}

func TestSendMessageSetupFailureLeavesNothingStreamed(t *testing.T) {
	store := newFakeStore()
	store.addConversation("conv-1", "Test")
	store.exchangeErr = errors.New("insert failed")
	generator := &fakeGenerator{}
	service := newTestChatService(store, generator)

	events, err := service.SendMessage(context.Background(), "conv-1", "hello")
	if events != nil {
		t.Fatalf("expected no stream after setup failure")
	}
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if generator.calls != 0 {
		t.Fatalf("expected no generation call after setup failure")
	}
}

func TestSendMessageStreamsChunksInOrder(t *testing.T) {
	store := newFakeStore()
	store.addConversation("conv-1", "Test")
	store.addMessage("conv-1", models.RoleUser, "earlier question")
	store.addMessage("conv-1", models.RoleAssistant, "earlier answer")

	fragments := []string{"Hel", "lo", " world"}
	generatorEvents := make([]StreamEvent, 0, len(fragments)+1)
	for _, fragment := range fragments {
		generatorEvents = append(generatorEvents, StreamEvent{Type: StreamEventChunk, Content: fragment})
	}
	generatorEvents = append(generatorEvents, StreamEvent{Type: StreamEventDone, Content: "Hello world"})
	generator := &fakeGenerator{events: generatorEvents}

	service := newTestChatService(store, generator)
	events, err := service.SendMessage(context.Background(), "conv-1", "Hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	collected := collectEvents(t, events)
	if len(collected) != len(fragments)+1 {
		t.Fatalf("expected %d events, got %d", len(fragments)+1, len(collected))
	}
	for i, fragment := range fragments {
		if collected[i].Type != StreamEventChunk || collected[i].Content != fragment {
			t.Fatalf("event %d: expected chunk %q, got %+v", i, fragment, collected[i])
		}
	}

	terminal := collected[len(collected)-1]
	if terminal.Type != StreamEventDone {
		t.Fatalf("expected terminal done event, got %+v", terminal)
	}
	if terminal.Content != "Hello world" {
		t.Fatalf("expected done content %q, got %q", "Hello world", terminal.Content)
	}
	if terminal.MessageID == "" {
		t.Fatalf("expected done event to carry the assistant message id")
	}

	stored, ok := store.message("conv-1", terminal.MessageID)
	if !ok {
		t.Fatalf("assistant message %s not stored", terminal.MessageID)
	}
	if stored.Status != models.StatusSent || stored.Content != "Hello world" {
		t.Fatalf("expected finalized sent message, got %+v", stored)
	}

	// History handed to the generator holds the prior turns only; the
	// new user text travels separately as the prompt's last message.
	if len(generator.gotHistory) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(generator.gotHistory))
	}
	if generator.gotHistory[0].Content != "earlier question" || generator.gotHistory[1].Content != "earlier answer" {
		t.Fatalf("unexpected history: %+v", generator.gotHistory)
	}
	if generator.gotUserText != "Hello" {
		t.Fatalf("expected user text %q, got %q", "Hello", generator.gotUserText)
	}
}

func TestSendMessageGenerationFailure(t *testing.T) {
	store := newFakeStore()
	store.addConversation("conv-1", "Test")
	generator := &fakeGenerator{events: []StreamEvent{
		{Type: StreamEventChunk, Content: "par"},
		{Type: StreamEventError, Content: "par", ErrorMessage: msgRateLimited, Err: errors.New("429 rate limited")},
	}}

	service := newTestChatService(store, generator)
	events, err := service.SendMessage(context.Background(), "conv-1", "Hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	collected := collectEvents(t, events)
	if len(collected) != 2 {
		t.Fatalf("expected 2 events, got %d", len(collected))
	}
	terminal := collected[1]
	if terminal.Type != StreamEventError {
		t.Fatalf("expected terminal error event, got %+v", terminal)
	}
	if terminal.ErrorMessage != msgRateLimited {
		t.Fatalf("expected user-facing busy message, got %q", terminal.ErrorMessage)
	}
	for _, event := range collected {
		if event.Type == StreamEventDone {
			t.Fatalf("no done event may follow a failed generation")
		}
	}

	msgs, _ := store.ListMessages(context.Background(), "conv-1")
	var assistant *models.Message
	for i := range msgs {
		if msgs[i].Role == models.RoleAssistant {
			assistant = &msgs[i]
		}
	}
	if assistant == nil {
		t.Fatalf("assistant placeholder missing")
	}
	if assistant.Status != models.StatusFailed {
		t.Fatalf("expected failed placeholder, got %s", assistant.Status)
	}
	if assistant.ErrorMessage == "" {
		t.Fatalf("expected stored error reason on failed placeholder")
	}
}

func TestSendMessageFinalizeFailureStillEmitsTerminal(t *testing.T) {
	store := newFakeStore()
	store.addConversation("conv-1", "Test")
	store.finalizeErr = errors.New("update failed")
	generator := &fakeGenerator{events: []StreamEvent{
		{Type: StreamEventChunk, Content: "Hi"},
		{Type: StreamEventDone, Content: "Hi"},
	}}

	service := newTestChatService(store, generator)
	events, err := service.SendMessage(context.Background(), "conv-1", "Hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	collected := collectEvents(t, events)
	if len(collected) == 0 || collected[len(collected)-1].Type != StreamEventDone {
		t.Fatalf("terminal event must reach the client even when finalization fails, got %+v", collected)
	}
	if store.finalizeHits != 1 {
		t.Fatalf("expected one finalize attempt, got %d", store.finalizeHits)
	}
}

func TestSendMessagePairInvariant(t *testing.T) {
	store := newFakeStore()
	store.addConversation("conv-1", "Test")
	generator := &fakeGenerator{events: []StreamEvent{{Type: StreamEventDone, Content: "Reply"}}}

	service := newTestChatService(store, generator)
	events, err := service.SendMessage(context.Background(), "conv-1", "Hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	collectEvents(t, events)

	msgs, _ := store.ListMessages(context.Background(), "conv-1")
	if len(msgs) != 2 {
		t.Fatalf("expected exactly one user/assistant pair, got %d messages", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Status != models.StatusSent {
		t.Fatalf("first message must be the sent user message, got %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant {
		t.Fatalf("second message must be the assistant reply, got %+v", msgs[1])
	}
	if msgs[1].Status != models.StatusSent && msgs[1].Status != models.StatusFailed {
		t.Fatalf("assistant message may not remain sending after a terminal event, got %s", msgs[1].Status)
	}
	if !msgs[0].CreatedAt.Before(msgs[1].CreatedAt) {
		t.Fatalf("user message must sort before its reply")
	}
}
