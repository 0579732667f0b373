// Package analysis generates conversation analyses. The analysis table is
// the work queue: a Worker claims pending rows, flattens the newest request
// of the branch into a transcript, truncates it to a token budget, and asks
// an external model for a structured JSON summary. A Sweeper requeues rows
// stranded in processing.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// completionMaxTokens caps the analysis reply. The structured summary is
// small; the cap only guards against runaway generations.
const completionMaxTokens = 8192

// MessagesClient is the subset of the Anthropic SDK client the analyzer
// uses. *sdk.MessageService satisfies it, so tests can pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Result is one analysis completion with its token accounting.
type Result struct {
	Text             string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// Client calls the analysis model over the Anthropic Messages API.
type Client struct {
	msg   MessagesClient
	model string
}

// NewClient wraps a Messages client with the model the analyses run on.
func NewClient(msg MessagesClient, model string) (*Client, error) {
	if msg == nil {
		return nil, errors.New("analysis: messages client is required")
	}
	if model == "" {
		return nil, errors.New("analysis: model identifier is required")
	}
	return &Client{msg: msg, model: model}, nil
}

// NewFromAPIKey builds a Client over the default SDK HTTP client. An empty
// baseURL keeps the SDK's default endpoint.
func NewFromAPIKey(apiKey, baseURL, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("analysis: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return NewClient(&ac.Messages, model)
}

// Analyze sends the rendered prompt and returns the concatenated text blocks
// of the reply with the upstream-reported token usage.
func (c *Client) Analyze(ctx context.Context, prompt string) (*Result, error) {
	msg, err := c.msg.New(ctx, sdk.MessageNewParams{
		MaxTokens: completionMaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		Model:     sdk.Model(c.model),
	})
	if err != nil {
		return nil, fmt.Errorf("analysis messages.new: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(block.Text)
		}
	}
	return &Result{
		Text:             b.String(),
		Model:            string(msg.Model),
		PromptTokens:     msg.Usage.InputTokens,
		CompletionTokens: msg.Usage.OutputTokens,
	}, nil
}
