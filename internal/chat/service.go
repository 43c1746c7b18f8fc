package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/smallnest/chatgraph/graph"
	"github.com/smallnest/chatgraph/internal/conversation"
	"github.com/smallnest/chatgraph/internal/task"
	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/provider"
	"github.com/smallnest/chatgraph/store"
	"github.com/smallnest/chatgraph/tool"
)

// AISenderID marks assistant-authored rows in the message tree.
const AISenderID = -1

// emitterBuffer bounds the per-turn event queue between the graph and the
// transport.
const emitterBuffer = 64

// Validation errors returned before any stream frame is written.
var (
	ErrEmptyContent     = errors.New("message content is empty")
	ErrInvalidMode      = errors.New("unknown conversation mode")
	ErrRegenerateTarget = errors.New("regeneration target is not a rerunnable user message")
)

// ThreadID maps a conversation to its checkpoint thread.
func ThreadID(conversationID int64) string {
	return strconv.FormatInt(conversationID, 10)
}

// ModelResolver turns a client-facing model code into a provider client. An
// empty code resolves to the default model.
type ModelResolver interface {
	Resolve(code string) (provider.ChatModel, error)
}

// ModelResolverFunc adapts a function to ModelResolver.
type ModelResolverFunc func(code string) (provider.ChatModel, error)

// Resolve calls f.
func (f ModelResolverFunc) Resolve(code string) (provider.ChatModel, error) { return f(code) }

// EmbeddingWriter persists message embeddings for semantic history
// retrieval. Writes run as background tasks and are best effort.
type EmbeddingWriter interface {
	StoreMessageEmbedding(ctx context.Context, messageID, conversationID, userID, role, content string) error
}

// StreamRequest is one conversation turn.
type StreamRequest struct {
	// ConversationID selects the conversation; zero opens a new one.
	ConversationID int64
	Content        string
	ModelCode      string
	// ParentMessageID anchors the new user message, zero meaning the
	// conversation's current branch tip. For a regeneration it names the
	// user message to answer again.
	ParentMessageID  int64
	Regenerate       bool
	Mode             string
	KnowledgeBaseIDs []string
}

// ServiceConfig wires the orchestrator's collaborators and knobs.
type ServiceConfig struct {
	Conversations conversation.Store
	Checkpoints   store.Store
	Models        ModelResolver
	Tools         *tool.Registry
	Retriever     Retriever
	Searcher      WebSearcher
	Embeddings    EmbeddingWriter
	Tasks         *task.Runner
	Logger        log.Logger

	TopK                int
	SimilarityThreshold float64
	DeepSearchMaxRounds int
	MaxHistoryMessages  int
	MaxHistoryTokens    int
	MaxSearchResults    int
}

// Service runs conversation turns: it owns the message tree, the checkpoint
// thread and the graph invocation of each turn, and streams events to the
// client while the turn executes.
type Service struct {
	cfg ServiceConfig
}

// NewService creates the orchestrator.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = log.GetDefaultLogger()
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry()
	}
	return &Service{cfg: cfg}
}

// StreamTurn executes one turn and streams events to w. Failures before the
// first frame are returned so the handler can answer with a proper status;
// anything later becomes an error frame on the stream and a nil return.
//
// A regular turn persists the user message, appends it to the thread's
// latest state and runs the graph forward. A regeneration re-runs the graph
// from the checkpoint that recorded the target user message, producing a
// sibling branch; no new user message is persisted.
func (s *Service) StreamTurn(ctx context.Context, userID int64, req StreamRequest, w EventWriter) error {
	if !req.Regenerate && strings.TrimSpace(req.Content) == "" {
		return ErrEmptyContent
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeChat
	}
	if mode != ModeChat && mode != ModeDeepSearch {
		return fmt.Errorf("%w: %s", ErrInvalidMode, req.Mode)
	}

	conv, err := s.resolveConversation(ctx, userID, &req)
	if err != nil {
		return err
	}

	modelCode := req.ModelCode
	if modelCode == "" {
		modelCode = conv.ModelCode
	}
	base, err := s.cfg.Models.Resolve(modelCode)
	if err != nil {
		return err
	}
	chatModel := base
	if specs := s.cfg.Tools.Specs(); len(specs) > 0 {
		chatModel = base.BindTools(specs)
	}

	threadID := ThreadID(conv.ID)
	firstTurn := false
	if _, err := s.cfg.Checkpoints.Latest(ctx, threadID); errors.Is(err, store.ErrNotFound) {
		firstTurn = true
	} else if err != nil {
		return fmt.Errorf("failed to load conversation state: %w", err)
	}

	// Scalar channels reset per turn; only messages accumulate.
	patch := map[string]any{
		chanMode:             mode,
		chanQuestion:         "",
		chanSearchQueries:    []string{},
		chanReferences:       map[string][]string{},
		chanPlanningRounds:   0,
		chanKnowledgeBaseIDs: req.KnowledgeBaseIDs,
	}

	var userMsg *conversation.Message
	anchorID := ""
	if req.Regenerate {
		userMsg, anchorID, err = s.regenerateAnchor(ctx, userID, conv.ID, threadID, req.ParentMessageID)
		if err != nil {
			return err
		}
	} else {
		parentID := conv.CurrentMessageID
		if req.ParentMessageID > 0 {
			pid := req.ParentMessageID
			parentID = &pid
		}
		userMsg = &conversation.Message{
			ConversationID: conv.ID,
			SenderID:       userID,
			Role:           string(provider.RoleUser),
			Content:        req.Content,
			TokenCount:     len([]rune(req.Content)),
			ModelCode:      modelCode,
			ParentID:       parentID,
		}
		if err := s.cfg.Conversations.PersistMessage(ctx, userMsg); err != nil {
			return fmt.Errorf("failed to persist user message: %w", err)
		}

		var msgs []provider.Message
		if firstTurn {
			sys := provider.System(systemPrompt)
			sys.Name = sysInstructionName
			msgs = append(msgs, sys)
		}
		msgs = append(msgs, provider.User(req.Content))
		patch[chanMessages] = msgs
	}

	nodes := NewNodes(NodesConfig{
		Model:               chatModel,
		Planner:             base,
		Tools:               s.cfg.Tools,
		Retriever:           s.cfg.Retriever,
		Searcher:            s.cfg.Searcher,
		Logger:              s.cfg.Logger,
		ConversationID:      strconv.FormatInt(conv.ID, 10),
		KnowledgeBaseIDs:    req.KnowledgeBaseIDs,
		TopK:                s.cfg.TopK,
		SimilarityThreshold: s.cfg.SimilarityThreshold,
		DeepSearchMaxRounds: s.cfg.DeepSearchMaxRounds,
		MaxHistoryMessages:  s.cfg.MaxHistoryMessages,
		MaxHistoryTokens:    s.cfg.MaxHistoryTokens,
		MaxSearchResults:    s.cfg.MaxSearchResults,
	})
	runnable, err := nodes.Build()
	if err != nil {
		return fmt.Errorf("failed to build conversation graph: %w", err)
	}

	emitter := graph.NewEmitter(emitterBuffer, 0)
	gcfg := &graph.Config{
		ThreadID:           threadID,
		ParentCheckpointID: anchorID,
		Saver:              store.NewCompactingSaver(store.NewGraphSaver(s.cfg.Checkpoints)),
		Emitter:            emitter,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		out *graph.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer emitter.Close()
		out, err := runnable.InvokeWithConfig(runCtx, patch, gcfg)
		done <- result{out, err}
	}()

	convID := strconv.FormatInt(conv.ID, 10)
	clientGone := false
	for ev := range emitter.Events() {
		if emitter.Overflowed() {
			cancel()
			continue
		}
		if clientGone {
			continue
		}

		var frame *Event
		switch ev.Kind {
		case graph.EventModelStream:
			if outputNodes[ev.Node] {
				frame = &Event{Type: EventChunk, Content: ev.Delta, ConversationID: convID, MessageID: placeholderMessageID}
			}
		case graph.EventToolStart:
			frame = &Event{Type: EventToolStart, Tool: ev.Tool, ConversationID: convID}
		case graph.EventToolEnd:
			frame = &Event{Type: EventToolEnd, Tool: ev.Tool, ConversationID: convID}
		}
		if frame == nil {
			continue
		}
		if err := w.WriteEvent(*frame); err != nil {
			s.cfg.Logger.Warn("client left conversation %s mid-stream: %v", convID, err)
			clientGone = true
			cancel()
		}
	}

	res := <-done
	if emitter.Overflowed() {
		s.cfg.Logger.Error("event stream overflowed for conversation %s, turn aborted", convID)
		s.writeError(w, clientGone, "event stream overflowed, turn aborted", "SYS-500")
		return nil
	}
	if res.err != nil {
		if clientGone {
			return nil
		}
		s.cfg.Logger.Error("turn failed for conversation %s: %v", convID, res.err)
		s.writeError(w, clientGone, "模型服务暂时不可用，请稍后重试", "PROVIDER-502")
		return nil
	}

	// Persistence and the done frame survive a client disconnect; the turn
	// completed and its result must not be lost.
	persistCtx := context.WithoutCancel(ctx)

	reply := finalReply(stateMessages(res.out.State))
	assistant := &conversation.Message{
		ConversationID: conv.ID,
		SenderID:       AISenderID,
		Role:           string(provider.RoleAssistant),
		Content:        reply,
		TokenCount:     len([]rune(reply)),
		ModelCode:      modelCode,
		ParentID:       &userMsg.ID,
	}
	if res.out.CheckpointID != "" {
		cpID := res.out.CheckpointID
		assistant.CheckpointID = &cpID
	}
	if err := s.cfg.Conversations.PersistMessage(persistCtx, assistant); err != nil {
		s.cfg.Logger.Error("failed to persist assistant message for conversation %s: %v", convID, err)
		s.writeError(w, clientGone, "failed to persist reply", "SYS-500")
		return nil
	}

	title := ""
	if firstTurn && !req.Regenerate && conv.Title == conversation.DefaultTitle {
		t, err := GenerateTitle(persistCtx, base, req.Content, reply)
		switch {
		case err != nil:
			s.cfg.Logger.Warn("title generation for conversation %s failed: %v", convID, err)
		case t != "":
			if err := s.cfg.Conversations.Rename(persistCtx, userID, conv.ID, t); err != nil {
				s.cfg.Logger.Warn("failed to store title for conversation %s: %v", convID, err)
			} else {
				title = t
			}
		}
	}

	s.submitEmbeddings(userID, convID, userMsg, assistant, req.Regenerate)

	if !clientGone {
		err := w.WriteEvent(Event{
			Type:           EventDone,
			ConversationID: convID,
			MessageID:      strconv.FormatInt(assistant.ID, 10),
			ParentID:       strconv.FormatInt(userMsg.ID, 10),
			UserMessageID:  strconv.FormatInt(userMsg.ID, 10),
			TokenCount:     assistant.TokenCount,
			Title:          title,
		})
		if err != nil {
			s.cfg.Logger.Warn("failed to write done frame for conversation %s: %v", convID, err)
		}
	}
	return nil
}

func (s *Service) resolveConversation(ctx context.Context, userID int64, req *StreamRequest) (*conversation.Conversation, error) {
	if req.ConversationID == 0 {
		conv, err := s.cfg.Conversations.Create(ctx, userID, "", req.ModelCode)
		if err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		req.ConversationID = conv.ID
		return conv, nil
	}
	return s.cfg.Conversations.EnsureOwner(ctx, req.ConversationID, userID)
}

// regenerateAnchor locates the fork point for answering userMessageID again:
// the checkpoint that recorded the user message, shared by every branch of
// that turn. It is found by walking up from the original answer's
// checkpoint.
func (s *Service) regenerateAnchor(ctx context.Context, userID, conversationID int64, threadID string, userMessageID int64) (*conversation.Message, string, error) {
	if userMessageID == 0 {
		return nil, "", ErrRegenerateTarget
	}
	userMsg, err := s.cfg.Conversations.GetMessage(ctx, userMessageID)
	if err != nil {
		return nil, "", err
	}
	if userMsg.ConversationID != conversationID || userMsg.Role != string(provider.RoleUser) {
		return nil, "", ErrRegenerateTarget
	}

	hist, err := s.cfg.Conversations.History(ctx, userID, conversationID)
	if err != nil {
		return nil, "", err
	}
	answerCheckpoint := ""
	for i := range hist.Messages {
		m := &hist.Messages[i]
		if m.ParentID == nil || *m.ParentID != userMessageID {
			continue
		}
		if m.Role == string(provider.RoleAssistant) && m.CheckpointID != nil && *m.CheckpointID != "" {
			answerCheckpoint = *m.CheckpointID
			break
		}
	}
	if answerCheckpoint == "" {
		return nil, "", ErrRegenerateTarget
	}

	set, err := store.SiblingBranches(ctx, s.cfg.Checkpoints, threadID, answerCheckpoint)
	if err != nil {
		return nil, "", fmt.Errorf("failed to locate fork point: %w", err)
	}
	if set.AnchorID == "" {
		return nil, "", ErrRegenerateTarget
	}
	return userMsg, set.AnchorID, nil
}

func (s *Service) submitEmbeddings(userID int64, convID string, userMsg, assistant *conversation.Message, regenerate bool) {
	if s.cfg.Embeddings == nil || s.cfg.Tasks == nil {
		return
	}
	userIDStr := strconv.FormatInt(userID, 10)

	msgs := []*conversation.Message{assistant}
	if !regenerate {
		// A regeneration reuses an already-embedded user message.
		msgs = append(msgs, userMsg)
	}
	for _, m := range msgs {
		msg := m
		s.cfg.Tasks.Submit("message-embedding", func(ctx context.Context) error {
			return s.cfg.Embeddings.StoreMessageEmbedding(ctx,
				strconv.FormatInt(msg.ID, 10), convID, userIDStr, msg.Role, msg.Content)
		})
	}
}

func (s *Service) writeError(w EventWriter, clientGone bool, message, code string) {
	if clientGone {
		return
	}
	if err := w.WriteEvent(Event{Type: EventError, Message: message, Code: code}); err != nil {
		s.cfg.Logger.Warn("failed to write error frame: %v", err)
	}
}

// DeleteConversation removes the conversation, its message tree and the
// matching checkpoint thread. A failed thread delete only logs: the rows the
// user sees are already gone and the thread is unreachable.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	if err := s.cfg.Conversations.Delete(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.cfg.Checkpoints.DeleteThread(ctx, ThreadID(conversationID)); err != nil {
		s.cfg.Logger.Error("failed to delete checkpoint thread %d: %v", conversationID, err)
	}
	return nil
}
