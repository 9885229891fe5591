package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbuschat/nimbus/pkg/databases"
	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/prompts"
	"github.com/nimbuschat/nimbus/pkg/protocol"
)

const memoryCollection = "memories"

// candidateLimit is how many existing memories each fact is reconciled
// against.
const candidateLimit = 5

// Store is the episodic memory store.
type Store struct {
	vectors  databases.Provider
	embedder llms.Embedder
	provider llms.Provider
	history  *HistoryStore
}

func NewStore(vectors databases.Provider, embedder llms.Embedder, provider llms.Provider, history *HistoryStore) *Store {
	return &Store{
		vectors:  vectors,
		embedder: embedder,
		provider: provider,
		history:  history,
	}
}

// Search returns the k most relevant memories visible in scope.
func (s *Store) Search(ctx context.Context, query string, scope Scope, k int) ([]Item, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = candidateLimit
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed memory query: %w", err)
	}

	results, err := s.vectors.SearchWithFilter(ctx, memoryCollection, vecs[0], k, scope.filter())
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}

	items := make([]Item, 0, len(results))
	for _, r := range results {
		items = append(items, resultToItem(r))
	}
	return items, nil
}

func resultToItem(r databases.SearchResult) Item {
	item := Item{
		ID:    r.ID,
		Text:  r.Content,
		Score: r.Score,
	}
	if item.Text == "" {
		if content, ok := r.Metadata["content"].(string); ok {
			item.Text = content
		}
	}
	if hash, ok := r.Metadata["hash"].(string); ok {
		item.Hash = hash
	}
	if v, ok := r.Metadata["user_id"].(string); ok {
		item.Scope.UserID = v
	}
	if v, ok := r.Metadata["agent_id"].(string); ok {
		item.Scope.AgentID = v
	}
	if v, ok := r.Metadata["run_id"].(string); ok {
		item.Scope.RunID = v
	}
	if v, ok := r.Metadata["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			item.CreatedAt = t
		}
	}
	if v, ok := r.Metadata["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			item.UpdatedAt = t
		}
	}
	return item
}

type factExtraction struct {
	Facts []string `json:"facts"`
}

type arbitrationEntry struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Event     string `json:"event"`
	OldMemory string `json:"old_memory"`
}

type arbitration struct {
	Memory []arbitrationEntry `json:"memory"`
}

// Add extracts facts from the messages and reconciles each against the
// scope's existing memories. All LLM outputs are parsed (with one repair
// retry each) before any write happens; a parse failure aborts the whole
// operation with nothing written.
func (s *Store) Add(ctx context.Context, messages []*protocol.Message, scope Scope) ([]Action, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	facts, err := s.extractFacts(ctx, messages)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}

	// Candidate search and arbitration run concurrently per fact.
	type factResult struct {
		actions []Action
		err     error
	}
	results := make([]factResult, len(facts))

	var wg sync.WaitGroup
	for i, fact := range facts {
		wg.Add(1)
		go func(i int, fact string) {
			defer wg.Done()
			actions, err := s.reconcile(ctx, fact, scope)
			results[i] = factResult{actions: actions, err: err}
		}(i, fact)
	}
	wg.Wait()

	var planned []Action
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		planned = append(planned, r.actions...)
	}

	return s.apply(ctx, planned, scope)
}

func (s *Store) extractFacts(ctx context.Context, messages []*protocol.Message) ([]string, error) {
	var convo strings.Builder
	for _, msg := range messages {
		if msg.Role != protocol.RoleUser && msg.Role != protocol.RoleAssistant {
			continue
		}
		fmt.Fprintf(&convo, "%s: %s\n", msg.Role, msg.Content)
	}

	completion, err := s.provider.Generate(ctx, []*protocol.Message{
		protocol.NewUserMessage(fmt.Sprintf(prompts.FactExtraction, convo.String())),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("fact extraction failed: %w", err)
	}

	var extracted factExtraction
	if err := parseWithRepair(ctx, s.provider, completion.Text, &extracted); err != nil {
		return nil, fmt.Errorf("fact extraction produced no usable JSON: %w", err)
	}

	facts := make([]string, 0, len(extracted.Facts))
	for _, fact := range extracted.Facts {
		if fact = strings.TrimSpace(fact); fact != "" {
			facts = append(facts, fact)
		}
	}
	return facts, nil
}

// reconcile searches candidates for one fact and asks the model how the
// fact relates to them. No writes happen here.
func (s *Store) reconcile(ctx context.Context, fact string, scope Scope) ([]Action, error) {
	candidates, err := s.Search(ctx, fact, scope, candidateLimit)
	if err != nil {
		return nil, err
	}

	var block strings.Builder
	if len(candidates) == 0 {
		block.WriteString("(none)\n")
	}
	for _, c := range candidates {
		fmt.Fprintf(&block, "- id=%s: %s\n", c.ID, c.Text)
	}

	completion, err := s.provider.Generate(ctx, []*protocol.Message{
		protocol.NewUserMessage(fmt.Sprintf(prompts.MemoryArbitration, block.String(), fact)),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("memory arbitration failed: %w", err)
	}

	var arb arbitration
	if err := parseWithRepair(ctx, s.provider, completion.Text, &arb); err != nil {
		return nil, fmt.Errorf("memory arbitration produced no usable JSON: %w", err)
	}

	byID := make(map[string]Item, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	var actions []Action
	for _, entry := range arb.Memory {
		switch Event(strings.ToUpper(entry.Event)) {
		case EventAdd:
			text := entry.Text
			if text == "" {
				text = fact
			}
			actions = append(actions, Action{Event: EventAdd, Text: text})

		case EventUpdate:
			candidate, ok := byID[entry.ID]
			if !ok {
				slog.Warn("arbitration referenced unknown memory, skipping", "id", entry.ID)
				continue
			}
			oldText := entry.OldMemory
			if oldText == "" {
				oldText = candidate.Text
			}
			actions = append(actions, Action{
				Event:    EventUpdate,
				MemoryID: entry.ID,
				Text:     entry.Text,
				OldText:  oldText,
			})

		case EventDelete:
			candidate, ok := byID[entry.ID]
			if !ok {
				slog.Warn("arbitration referenced unknown memory, skipping", "id", entry.ID)
				continue
			}
			actions = append(actions, Action{
				Event:    EventDelete,
				MemoryID: entry.ID,
				OldText:  candidate.Text,
			})

		case EventNone:
			actions = append(actions, Action{Event: EventNone, MemoryID: entry.ID, Text: fact})
		}
	}
	return actions, nil
}

// apply executes planned actions concurrently, writing one history row per
// action.
func (s *Store) apply(ctx context.Context, planned []Action, scope Scope) ([]Action, error) {
	if len(planned) == 0 {
		return nil, nil
	}

	applied := make([]Action, len(planned))
	errs := make([]error, len(planned))

	var wg sync.WaitGroup
	for i, action := range planned {
		wg.Add(1)
		go func(i int, action Action) {
			defer wg.Done()
			applied[i], errs[i] = s.applyOne(ctx, action, scope)
		}(i, action)
	}
	wg.Wait()

	var out []Action
	for i, err := range errs {
		if err != nil {
			return out, err
		}
		out = append(out, applied[i])
	}
	return out, nil
}

func (s *Store) applyOne(ctx context.Context, action Action, scope Scope) (Action, error) {
	now := time.Now().UTC()

	switch action.Event {
	case EventAdd:
		hash := hashText(action.Text)

		vecs, err := s.embedder.Embed(ctx, []string{action.Text})
		if err != nil {
			return action, fmt.Errorf("failed to embed memory: %w", err)
		}

		// One live item per (scope, hash): an identical fact becomes NONE.
		filter := scope.filter()
		filter["hash"] = hash
		existing, err := s.vectors.SearchWithFilter(ctx, memoryCollection, vecs[0], 1, filter)
		if err != nil {
			return action, fmt.Errorf("memory dedup check failed: %w", err)
		}
		if len(existing) > 0 {
			action.Event = EventNone
			action.MemoryID = existing[0].ID
			return action, s.history.Record(ctx, action, scope)
		}

		action.MemoryID = uuid.New().String()
		metadata := map[string]any{
			"content":    action.Text,
			"hash":       hash,
			"user_id":    scope.UserID,
			"agent_id":   scope.AgentID,
			"run_id":     scope.RunID,
			"created_at": now.Format(time.RFC3339),
			"updated_at": now.Format(time.RFC3339),
		}
		if err := s.vectors.Upsert(ctx, memoryCollection, action.MemoryID, vecs[0], metadata); err != nil {
			return action, fmt.Errorf("failed to store memory: %w", err)
		}
		return action, s.history.Record(ctx, action, scope)

	case EventUpdate:
		vecs, err := s.embedder.Embed(ctx, []string{action.Text})
		if err != nil {
			return action, fmt.Errorf("failed to embed memory: %w", err)
		}

		// created_at survives updates; only the text and updated_at move.
		createdAt := now
		items, err := s.Search(ctx, action.OldText, scope, candidateLimit)
		if err == nil {
			for _, item := range items {
				if item.ID == action.MemoryID && !item.CreatedAt.IsZero() {
					createdAt = item.CreatedAt
					break
				}
			}
		}

		metadata := map[string]any{
			"content":    action.Text,
			"hash":       hashText(action.Text),
			"user_id":    scope.UserID,
			"agent_id":   scope.AgentID,
			"run_id":     scope.RunID,
			"created_at": createdAt.Format(time.RFC3339),
			"updated_at": now.Format(time.RFC3339),
		}
		if err := s.vectors.Upsert(ctx, memoryCollection, action.MemoryID, vecs[0], metadata); err != nil {
			return action, fmt.Errorf("failed to update memory: %w", err)
		}
		return action, s.history.Record(ctx, action, scope)

	case EventDelete:
		if err := s.vectors.Delete(ctx, memoryCollection, action.MemoryID); err != nil {
			return action, fmt.Errorf("failed to delete memory: %w", err)
		}
		return action, s.history.Record(ctx, action, scope)

	default:
		return action, s.history.Record(ctx, action, scope)
	}
}
