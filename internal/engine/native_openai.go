package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/loomworks/loom/internal/engine/protocol"
)

// runOpenAI streams one turn from the OpenAI Responses API through the
// shared event pipeline. Only output text is consumed; the Responses API
// reports usage on its terminal response.completed event.
func (r *turnRunner) runOpenAI(ctx context.Context, st *turnState, req turnRequest) error {
	prof := r.openai
	if strings.TrimSpace(prof.APIKey) == "" {
		return errors.New("openai api key not configured")
	}
	model := strings.TrimSpace(req.config.ModelID)
	if model == "" {
		model = strings.TrimSpace(prof.Model)
	}
	if model == "" {
		return errors.New("no model configured for openai runner")
	}
	maxTokens := prof.MaxTokens
	if maxTokens <= 0 {
		maxTokens = nativeDefaultMaxTokens
	}

	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(prof.APIKey))}
	if strings.TrimSpace(prof.BaseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(prof.BaseURL)))
	}
	client := openai.NewClient(opts...)

	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(model),
		MaxOutputTokens: openai.Int(maxTokens),
		Input: oresponses.ResponseNewParamsInputUnion{
			OfInputItemList: []oresponses.ResponseInputItemUnionParam{
				oresponses.ResponseInputItemParamOfMessage(req.text, oresponses.EasyInputMessageRoleUser),
			},
		},
	}
	if sys := strings.TrimSpace(prof.System); sys != "" {
		params.Instructions = openai.String(sys)
	}

	tctx, cancel := context.WithTimeout(ctx, r.turnTimeout)
	defer cancel()

	if err := r.handleEvent(tctx, st, &protocol.Event{Type: protocol.EventTurnStarted}); err != nil {
		return err
	}

	const messageItemID = "msg_1"
	emit := newNativeEmitter(r, tctx, st)

	stream := client.Responses.NewStreaming(tctx, params)
	var text strings.Builder
	var completed oresponses.Response
	gotCompleted := false

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			text.WriteString(delta)
			if err := emit.update(messageItemID, protocol.ItemTypeAgentMessage, text.String()); err != nil {
				return err
			}
		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return nativeStreamErr(ctx, tctx, fmt.Errorf("openai stream: %w", err))
	}
	if !gotCompleted {
		return fmt.Errorf("%w: missing response.completed event", ErrVendorProtocol)
	}

	if s := strings.TrimSpace(text.String()); s != "" {
		if err := emit.complete(messageItemID, protocol.ItemTypeAgentMessage, s); err != nil {
			return err
		}
	}
	if err := r.handleEvent(tctx, st, &protocol.Event{
		Type: protocol.EventTurnCompleted,
		Usage: &protocol.Usage{
			InputTokens:       completed.Usage.InputTokens,
			CachedInputTokens: completed.Usage.InputTokensDetails.CachedTokens,
			OutputTokens:      completed.Usage.OutputTokens,
		},
	}); err != nil {
		return err
	}
	return st.finishErr
}
