package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

// Request is one rendered prompt: a template plus the variables it needs
type Request struct {
	Template prompt.ChatTemplate
	Vars     map[string]any
}

// Completer produces text for a request
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Client runs requests through an eino chain: Format → ChatModel
type Client struct {
	chain   compose.Runnable[Request, *schema.Message]
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient compiles the chain around chatModel
func NewClient(ctx context.Context, chatModel einomodel.BaseChatModel, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	format := compose.InvokableLambda(func(ctx context.Context, req Request) ([]*schema.Message, error) {
		if req.Template == nil {
			return nil, fmt.Errorf("request has no template")
		}
		return req.Template.Format(ctx, req.Vars)
	})

	// Create the Eino chain: Template → ChatModel
	chain, err := compose.NewChain[Request, *schema.Message]().
		AppendLambda(format).
		AppendChatModel(chatModel).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating Eino chain: %w", err)
	}

	return &Client{chain: chain, timeout: timeout, logger: logger}, nil
}

// Complete returns the trimmed assistant text. Failures are ProviderErrors.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	msg, err := c.chain.Invoke(ctx, req)
	if err != nil {
		wrapped := Wrap(err)
		c.logger.Debug().Err(err).Str("kind", Classify(wrapped).String()).Msg("Provider call failed")
		return "", wrapped
	}

	content := ""
	if msg != nil {
		content = strings.TrimSpace(msg.Content)
	}
	if content == "" {
		return "", &ProviderError{Kind: KindServerError, Err: ErrEmptyResponse}
	}

	c.logger.Debug().Dur("elapsed", time.Since(start)).Int("chars", len(content)).Msg("Provider call completed")
	return content, nil
}
