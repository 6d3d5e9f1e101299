package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"
)

type fakeEvents struct {
	ch     chan types.ResponseStream
	err    error
	closed bool
}

func newFakeEvents(chunks ...string) *fakeEvents {
	ch := make(chan types.ResponseStream, len(chunks)+1)
	ch <- &types.ResponseStreamMemberChunk{Value: types.PayloadPart{Bytes: []byte(`{"type":"message_start"}`)}}
	for _, c := range chunks {
		ch <- &types.ResponseStreamMemberChunk{Value: types.PayloadPart{Bytes: []byte(c)}}
	}
	close(ch)
	return &fakeEvents{ch: ch}
}

func (f *fakeEvents) Events() <-chan types.ResponseStream { return f.ch }
func (f *fakeEvents) Close() error                        { f.closed = true; return nil }
func (f *fakeEvents) Err() error                          { return f.err }

type fakeBedrock struct {
	lastBody []byte
	body     string
	err      error
	events   *fakeEvents
}

func (f *fakeBedrock) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput) (*bedrockruntime.InvokeModelOutput, error) {
	f.lastBody = in.Body
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func (f *fakeBedrock) OpenStream(_ context.Context, in *bedrockruntime.InvokeModelWithResponseStreamInput) (eventReader, error) {
	f.lastBody = in.Body
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func TestBedrockGenerate(t *testing.T) {
	fake := &fakeBedrock{body: `{"content":[{"type":"text","text":"benign analysis"}],"stop_reason":"end_turn"}`}
	b := &Bedrock{client: fake, modelID: "anthropic.claude"}

	out, err := b.Generate(context.Background(), "prompt", Params{MaxTokens: 512, Temperature: 0.1, TopP: 0.95})
	require.NoError(t, err)
	require.Equal(t, "benign analysis", out)

	var req claudeMessageRequest
	require.NoError(t, json.Unmarshal(fake.lastBody, &req))
	require.Equal(t, anthropicVersion, req.AnthropicVersion)
	require.Equal(t, 512, req.MaxTokens)
	require.InDelta(t, 0.95, req.TopP, 1e-9)
	require.Equal(t, socSystemPrompt, req.System)
	require.Equal(t, []claudeMessage{{Role: "user", Content: "prompt"}}, req.Messages)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(fake.lastBody, &raw))
	require.Equal(t, "You are a cybersecurity expert assistant analyzing security incidents and logs for a Security Operations Center (SOC).", raw["system"])
}

func TestBedrockErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		limited   bool
		retryable bool
	}{
		{name: "throttling", err: &types.ThrottlingException{Message: new(string)}, limited: true},
		{name: "quota", err: &types.ServiceQuotaExceededException{}, limited: true},
		{name: "internal", err: &types.InternalServerException{}, retryable: true},
		{name: "model timeout", err: &types.ModelTimeoutException{}, retryable: true},
		{name: "unavailable", err: &types.ServiceUnavailableException{}, retryable: true},
		{name: "validation", err: &types.ValidationException{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &Bedrock{client: &fakeBedrock{err: fmt.Errorf("operation error: %w", tc.err)}, modelID: "m"}
			_, err := b.Generate(context.Background(), "p", Params{})
			require.Error(t, err)
			require.Equal(t, tc.limited, IsRateLimited(err))
			require.Equal(t, tc.retryable, IsRetryable(err))
		})
	}
}

func TestBedrockStreamDeliversTextChunks(t *testing.T) {
	events := newFakeEvents(
		`{"type":"content_block_start","content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
		`not json`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":" world"}}`,
	)
	b := &Bedrock{client: &fakeBedrock{events: events}, modelID: "m"}

	var got []string
	err := b.Stream(context.Background(), "p", Params{}, func(s string) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hello", " world"}, got)
	require.True(t, events.closed)
}

func TestBedrockStreamSurfacesStreamError(t *testing.T) {
	events := newFakeEvents()
	events.err = &types.ThrottlingException{}
	b := &Bedrock{client: &fakeBedrock{events: events}, modelID: "m"}

	err := b.Stream(context.Background(), "p", Params{}, func(string) error { return nil })
	require.True(t, IsRateLimited(err))
}

func TestBedrockStreamCallbackError(t *testing.T) {
	events := newFakeEvents(`{"delta":{"text":"a"}}`, `{"delta":{"text":"b"}}`)
	b := &Bedrock{client: &fakeBedrock{events: events}, modelID: "m"}
	stop := errors.New("stop")

	err := b.Stream(context.Background(), "p", Params{}, func(string) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestChunkText(t *testing.T) {
	require.Equal(t, "x", chunkText([]byte(`{"delta":{"text":"x"}}`)))
	require.Equal(t, "y", chunkText([]byte(`{"content_block":{"text":"y"}}`)))
	require.Empty(t, chunkText([]byte(`{"type":"message_stop"}`)))
	require.Empty(t, chunkText([]byte(`{`)))
}

func TestNewBedrockRequiresModel(t *testing.T) {
	_, err := NewBedrock(context.Background(), "us-east-1", "")
	require.Error(t, err)
}
