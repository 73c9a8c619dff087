package main

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/agentloop/internal/provider"
	"github.com/floegence/agentloop/internal/turn"
)

const distillInstruction = "Summarize the conversation so far for a fresh session: " +
	"goals, decisions made, facts established, current state, and what remains open. " +
	"Answer with the summary only."

// streamDistiller produces the conversation summary over the same
// provider stream regular turns use. No tools are offered, so the
// response is text only.
type streamDistiller struct {
	streamer provider.Streamer
	model    string
}

func (d *streamDistiller) Distill(ctx context.Context, messages []turn.Message) (string, error) {
	prompt, err := turn.UserMessage(distillInstruction)
	if err != nil {
		return "", err
	}
	msgs := make([]turn.Message, 0, len(messages)+1)
	msgs = append(msgs, messages...)
	msgs = append(msgs, prompt)

	events, cancel, err := d.streamer.StartStream(ctx, provider.Request{
		Model:    d.model,
		Messages: msgs,
	})
	if err != nil {
		return "", err
	}
	defer cancel()

	var b strings.Builder
	done := false
	for ev := range events {
		switch ev.Kind {
		case provider.EventTextDelta:
			b.WriteString(ev.Text)
		case provider.EventError:
			return "", errors.New(ev.ErrText)
		case provider.EventDone:
			done = true
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !done {
		return "", errors.New("stream closed unexpectedly")
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", errors.New("provider returned an empty summary")
	}
	return b.String(), nil
}
