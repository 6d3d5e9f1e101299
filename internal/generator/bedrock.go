package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const anthropicVersion = "bedrock-2023-05-31"

// socSystemPrompt is sent as the system role on every invocation.
const socSystemPrompt = "You are a cybersecurity expert assistant analyzing security incidents and logs for a Security Operations Center (SOC)."

type eventReader interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

type bedrockClient interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error)
	OpenStream(ctx context.Context, in *bedrockruntime.InvokeModelWithResponseStreamInput) (eventReader, error)
}

type sdkClient struct{ client *bedrockruntime.Client }

func (s sdkClient) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
	return s.client.InvokeModel(ctx, in)
}

func (s sdkClient) OpenStream(ctx context.Context, in *bedrockruntime.InvokeModelWithResponseStreamInput) (eventReader, error) {
	out, err := s.client.InvokeModelWithResponseStream(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}

// Bedrock invokes an Anthropic messages model through AWS Bedrock.
type Bedrock struct {
	client  bedrockClient
	modelID string
}

// NewBedrock loads the default AWS credential chain for region. SDK retries
// are disabled so Retrying is the only retry layer.
func NewBedrock(ctx context.Context, region, modelID string) (*Bedrock, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, errors.New("bedrock generator: model id required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock generator: load aws config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		o.RetryMaxAttempts = 1
	})
	return &Bedrock{client: sdkClient{client: client}, modelID: modelID}, nil
}

func (b *Bedrock) Name() string { return "bedrock" }

type claudeMessageRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature"`
	TopP             float64         `json:"top_p"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeMessageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type claudeStreamChunk struct {
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	ContentBlock struct {
		Text string `json:"text"`
	} `json:"content_block"`
}

func (b *Bedrock) body(prompt string, p Params) ([]byte, error) {
	return json.Marshal(claudeMessageRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        p.MaxTokens,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		System:           socSystemPrompt,
		Messages:         []claudeMessage{{Role: "user", Content: prompt}},
	})
}

// Generate invokes the model once and returns the concatenated text blocks.
func (b *Bedrock) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	body, err := b.body(prompt, p)
	if err != nil {
		return "", fmt.Errorf("bedrock generator encode: %w", err)
	}
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return "", classifyBedrockError(fmt.Errorf("bedrock invoke: %w", err))
	}
	var resp claudeMessageResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("bedrock generator decode: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", nil
	}
	return resp.Content[0].Text, nil
}

// Stream invokes the model with a response stream and passes each text
// delta to fn.
func (b *Bedrock) Stream(ctx context.Context, prompt string, p Params, fn func(string) error) error {
	body, err := b.body(prompt, p)
	if err != nil {
		return fmt.Errorf("bedrock generator encode: %w", err)
	}
	stream, err := b.client.OpenStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return classifyBedrockError(fmt.Errorf("bedrock invoke stream: %w", err))
	}
	defer stream.Close()

	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		text := chunkText(chunk.Value.Bytes)
		if text == "" {
			continue
		}
		if err := fn(text); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return classifyBedrockError(fmt.Errorf("bedrock stream: %w", err))
	}
	return nil
}

// chunkText extracts the text carried by one streamed message event.
// Unparseable chunks carry nothing.
func chunkText(raw []byte) string {
	var chunk claudeStreamChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return ""
	}
	return chunk.Delta.Text + chunk.ContentBlock.Text
}

func classifyBedrockError(err error) error {
	var (
		throttled *types.ThrottlingException
		quota     *types.ServiceQuotaExceededException
		internal  *types.InternalServerException
		timeout   *types.ModelTimeoutException
		down      *types.ServiceUnavailableException
		notReady  *types.ModelNotReadyException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &quota):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case errors.As(err, &internal), errors.As(err, &timeout), errors.As(err, &down), errors.As(err, &notReady):
		return Transient(err)
	default:
		return err
	}
}
