package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomworks/loom/internal/engine/protocol"
)

const nativeDefaultMaxTokens = 4096

// runAnthropic streams one turn from the Anthropic Messages API and replays
// it through the same event pipeline the subprocess runners use: the reply
// accumulates under one agent_message item, thinking under one reasoning
// item, and usage rides on the synthesized turn.completed.
func (r *turnRunner) runAnthropic(ctx context.Context, st *turnState, req turnRequest) error {
	prof := r.anthropic
	if strings.TrimSpace(prof.APIKey) == "" {
		return errors.New("anthropic api key not configured")
	}
	model := strings.TrimSpace(req.config.ModelID)
	if model == "" {
		model = strings.TrimSpace(prof.Model)
	}
	if model == "" {
		return errors.New("no model configured for anthropic runner")
	}
	maxTokens := prof.MaxTokens
	if maxTokens <= 0 {
		maxTokens = nativeDefaultMaxTokens
	}

	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(prof.APIKey))}
	if strings.TrimSpace(prof.BaseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(prof.BaseURL)))
	}
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.text))},
	}
	if sys := strings.TrimSpace(prof.System); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	tctx, cancel := context.WithTimeout(ctx, r.turnTimeout)
	defer cancel()

	if err := r.handleEvent(tctx, st, &protocol.Event{Type: protocol.EventTurnStarted}); err != nil {
		return err
	}

	const (
		messageItemID   = "msg_1"
		reasoningItemID = "reasoning_1"
	)
	emit := newNativeEmitter(r, tctx, st)

	stream := client.Messages.NewStreaming(tctx, params)
	msg := anthropic.Message{}
	var text, thinking strings.Builder

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return fmt.Errorf("accumulate stream event: %w", err)
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				if err := emit.update(messageItemID, protocol.ItemTypeAgentMessage, text.String()); err != nil {
					return err
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				thinking.WriteString(delta.Thinking)
				if err := emit.update(reasoningItemID, protocol.ItemTypeReasoning, thinking.String()); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nativeStreamErr(ctx, tctx, fmt.Errorf("anthropic stream: %w", err))
	}

	if s := strings.TrimSpace(thinking.String()); s != "" {
		if err := emit.complete(reasoningItemID, protocol.ItemTypeReasoning, s); err != nil {
			return err
		}
	}
	if s := strings.TrimSpace(text.String()); s != "" {
		if err := emit.complete(messageItemID, protocol.ItemTypeAgentMessage, s); err != nil {
			return err
		}
	}
	if err := r.handleEvent(tctx, st, &protocol.Event{
		Type: protocol.EventTurnCompleted,
		Usage: &protocol.Usage{
			InputTokens:       msg.Usage.InputTokens,
			CachedInputTokens: msg.Usage.CacheReadInputTokens,
			OutputTokens:      msg.Usage.OutputTokens,
		},
	}); err != nil {
		return err
	}
	return st.finishErr
}

// nativeEmitter replays synthesized item frames through the shared
// pipeline, tracking which items have had their item.started emitted.
type nativeEmitter struct {
	r       *turnRunner
	ctx     context.Context
	st      *turnState
	started map[string]bool
}

func newNativeEmitter(r *turnRunner, ctx context.Context, st *turnState) *nativeEmitter {
	return &nativeEmitter{r: r, ctx: ctx, st: st, started: make(map[string]bool)}
}

func (e *nativeEmitter) update(id, itemType, text string) error {
	if !e.started[id] {
		e.started[id] = true
		ev := &protocol.Event{Type: protocol.EventItemStarted, Item: &protocol.Item{ID: id, ItemType: itemType}}
		if err := e.r.handleEvent(e.ctx, e.st, ev); err != nil {
			return err
		}
	}
	ev := &protocol.Event{Type: protocol.EventItemUpdated, Item: &protocol.Item{ID: id, ItemType: itemType, Text: text}}
	return e.r.handleEvent(e.ctx, e.st, ev)
}

func (e *nativeEmitter) complete(id, itemType, text string) error {
	ev := &protocol.Event{Type: protocol.EventItemCompleted, Item: &protocol.Item{ID: id, ItemType: itemType, Text: text}}
	return e.r.handleEvent(e.ctx, e.st, ev)
}

// nativeStreamErr maps a failed API stream to the caller's cancellation,
// the turn timeout, or the transport error itself.
func nativeStreamErr(parent, tctx context.Context, err error) error {
	if tctx.Err() != nil {
		if parent.Err() != nil {
			return parent.Err()
		}
		return ErrTurnTimeout
	}
	return err
}
