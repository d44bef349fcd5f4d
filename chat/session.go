// Package chat runs a paid, streamed conversation with an agent.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/clawnad/x402/clients"
	"github.com/clawnad/x402/logger"
	"github.com/clawnad/x402/stream"
	"github.com/clawnad/x402/types"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation. Timestamp is unix milliseconds.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type Status string

const (
	StatusIdle      Status = "idle"
	StatusSigning   Status = "signing"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

const (
	errNoWallet   = "Please connect your wallet first"
	errSendFailed = "Failed to send message"
)

// ErrNoWallet is returned by Send when the signer has no account.
var ErrNoWallet = types.NewError(types.ErrNoAccount, errNoWallet, nil)

// Requester performs a paid streaming request. *x402.X402 implements it.
type Requester interface {
	RequestStreamWithPayment(ctx context.Context, path string, signer clients.TypedDataSigner, body any, h stream.Handler) error
}

// Config configures a Session.
type Config struct {
	// SessionID keys persisted history. A random id is used when empty.
	SessionID string
	Path      string
	// ExtraBody fields are sent with every request next to messages.
	ExtraBody map[string]any
	Requester Requester
	Signer    clients.TypedDataSigner
	Store     Store
	Logger    logger.Logger

	// OnChunk, when set, sees every accepted text increment.
	OnChunk func(text string)

	Now   func() time.Time
	NewID func() string
}

// Session holds one conversation. Its methods are safe for concurrent use;
// at most one Send runs at a time.
type Session struct {
	id        string
	path      string
	extra     map[string]any
	requester Requester
	signer    clients.TypedDataSigner
	store     Store
	logger    logger.Logger
	onChunk   func(string)
	now       func() time.Time
	newID     func() string

	sendMu sync.Mutex

	mu       sync.Mutex
	messages []Message
	status   Status
	errMsg   string
	cancel   context.CancelFunc
	gen      uint64
	// stoppedGen is the send generation Stop last cancelled.
	stoppedGen uint64
}

// NewSession builds a session and loads any stored history.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Requester == nil {
		return nil, errors.New("chat: requester is required")
	}

	s := &Session{
		id:        cfg.SessionID,
		path:      cfg.Path,
		extra:     cfg.ExtraBody,
		requester: cfg.Requester,
		signer:    cfg.Signer,
		store:     cfg.Store,
		logger:    cfg.Logger,
		onChunk:   cfg.OnChunk,
		now:       cfg.Now,
		newID:     cfg.NewID,
		status:    StatusIdle,
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.store == nil {
		s.store = NewMemoryStore(0)
	}
	if s.logger == nil {
		s.logger = logger.NoopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}

	history, err := s.store.Load(ctx, s.id)
	if err != nil {
		return nil, err
	}
	s.messages = history

	return s, nil
}

func (s *Session) ID() string { return s.id }

// Messages returns a copy of the conversation.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the last user-facing error message, or "".
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Send posts content as the next user message and streams the reply into
// a new assistant message. Blank content is ignored.
func (s *Session) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if s.signer == nil {
		return s.reject()
	}
	if _, ok := s.signer.Account(); !ok {
		return s.reject()
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.errMsg = ""

	history := make([]map[string]string, 0, len(s.messages)+1)
	for _, m := range s.messages {
		history = append(history, map[string]string{"role": string(m.Role), "content": m.Content})
	}
	history = append(history, map[string]string{"role": string(RoleUser), "content": content})

	ts := s.now().UnixMilli()
	user := Message{ID: s.newID(), Role: RoleUser, Content: content, Timestamp: ts}
	assistant := Message{ID: s.newID(), Role: RoleAssistant, Timestamp: ts}
	s.messages = append(s.messages, user, assistant)
	s.status = StatusSigning
	s.mu.Unlock()

	body, err := s.requestBody(history)
	if err != nil {
		s.finishFailed(gen, assistant.ID, err)
		return err
	}

	first := true
	h := stream.Handler{
		OnChunk: func(text string) {
			if !s.appendChunk(gen, assistant.ID, text, first) {
				return
			}
			first = false
			if s.onChunk != nil {
				s.onChunk(text)
			}
		},
		OnDone: func() {
			s.setStatus(gen, StatusIdle, "")
		},
		OnError: func(err error) {
			s.logger.Warn("chat stream error", map[string]any{"session": s.id, "error": err})
			s.setStatus(gen, StatusError, types.DisplayMessage(err))
		},
	}

	err = s.requester.RequestStreamWithPayment(ctx, s.path, s.signer, body, h)
	switch {
	case err == nil:
	case s.wasStopped(gen):
		s.finishStopped(gen, assistant.ID)
		err = nil
	default:
		s.finishFailed(gen, assistant.ID, err)
	}

	s.persist(gen)
	return err
}

func (s *Session) reject() error {
	s.mu.Lock()
	s.errMsg = errNoWallet
	s.mu.Unlock()
	return ErrNoWallet
}

// requestBody merges the extra fields with the message list.
func (s *Session) requestBody(history []map[string]string) (json.RawMessage, error) {
	base := []byte("{}")
	if len(s.extra) > 0 {
		var err error
		if base, err = json.Marshal(s.extra); err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(base, "messages", history)
}

// appendChunk grows the assistant message. It reports false for chunks
// that arrive after the send was stopped or superseded.
func (s *Session) appendChunk(gen uint64, id, text string, first bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.cancel == nil {
		return false
	}

	last := len(s.messages) - 1
	if last < 0 || s.messages[last].ID != id {
		return false
	}
	s.messages[last].Content += text
	if first {
		s.status = StatusStreaming
	}
	return true
}

func (s *Session) setStatus(gen uint64, status Status, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.status = status
	if msg != "" {
		s.errMsg = msg
	}
}

// finishFailed marks the send failed and drops the assistant placeholder.
func (s *Session) finishFailed(gen uint64, assistantID string, err error) {
	msg := types.DisplayMessage(err)
	if msg == "" {
		msg = errSendFailed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.status = StatusError
	s.errMsg = msg
	s.removeMessage(assistantID)
	s.cancel = nil
}

// finishStopped keeps whatever streamed before Stop, dropping an empty reply.
func (s *Session) finishStopped(gen uint64, assistantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == assistantID && m.Content == "" {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	if gen == s.gen {
		s.status = StatusIdle
	}
}

func (s *Session) removeMessage(id string) {
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *Session) persist(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.cancel = nil
	snapshot := append([]Message(nil), s.messages...)
	s.mu.Unlock()

	// History must outlive a cancelled send.
	ctx := context.Background()
	if err := s.store.Save(ctx, s.id, snapshot); err != nil {
		s.logger.Error("failed to persist chat history", map[string]any{"session": s.id, "error": err})
	}
}

func (s *Session) wasStopped(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedGen == gen
}

// Stop aborts the in-flight send. Chunks already delivered are kept.
// Cancellation that does not come from Stop, such as a caller deadline,
// fails the send instead.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	if cancel != nil {
		s.stoppedGen = s.gen
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Clear stops any send and forgets the conversation.
func (s *Session) Clear(ctx context.Context) error {
	s.Stop()

	s.mu.Lock()
	s.gen++
	s.messages = nil
	s.status = StatusIdle
	s.errMsg = ""
	s.mu.Unlock()

	return s.store.Clear(ctx, s.id)
}
