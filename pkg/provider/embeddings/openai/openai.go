// Package openai provides a phone-string embeddings provider for any server
// speaking the OpenAI /v1/embeddings API.
//
// The phone encoder of the acoustic model is typically served by a local
// OpenAI-compatible runtime, so the API key is optional whenever a custom
// base URL is configured.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/glyphoxa-kws/pkg/provider/embeddings"
)

// DefaultModel names the IPA phone encoder used when no model is configured.
const DefaultModel = "clap-ipa-phone"

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider over the OpenAI embeddings API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
	normalize  bool
}

type config struct {
	baseURL    string
	timeout    time.Duration
	dimensions int
	normalize  bool
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDimensions requests vectors of the given length. The value is sent as
// the "dimensions" request parameter and reported by Dimensions.
func WithDimensions(n int) Option {
	return func(c *config) { c.dimensions = n }
}

// WithNormalize L2-normalizes every returned vector.
func WithNormalize(on bool) Option {
	return func(c *config) { c.normalize = on }
}

// New constructs a Provider. If model is empty, DefaultModel is used. apiKey
// may only be empty when a base URL is supplied.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if apiKey == "" && cfg.baseURL == "" {
		return nil, fmt.Errorf("openai phones: api key required for the hosted API")
	}
	if model == "" {
		model = DefaultModel
	}
	if cfg.dimensions < 0 {
		return nil, fmt.Errorf("openai phones: negative dimensions %d", cfg.dimensions)
	}

	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		dimensions: cfg.dimensions,
		normalize:  cfg.normalize,
	}, nil
}

func (p *Provider) params(input oai.EmbeddingNewParamsInputUnion) oai.EmbeddingNewParams {
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: input,
	}
	if p.dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}
	return params
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, p.params(oai.EmbeddingNewParamsInputUnion{
		OfString: param.NewOpt(text),
	}))
	if err != nil {
		return nil, fmt.Errorf("openai phones: embed %q: %w", text, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai phones: embed %q: empty response", text)
	}
	return p.convert(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, p.params(oai.EmbeddingNewParamsInputUnion{
		OfArrayOfStrings: texts,
	}))
	if err != nil {
		return nil, fmt.Errorf("openai phones: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai phones: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai phones: unexpected index %d", e.Index)
		}
		result[e.Index] = p.convert(e.Embedding)
	}
	return result, nil
}

// Dimensions implements embeddings.Provider. It is 0 unless WithDimensions
// was set, since OpenAI-compatible phone encoders have no fixed catalogue.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

func (p *Provider) convert(in []float64) []float32 {
	out := float64ToFloat32(in)
	if p.normalize {
		embeddings.Normalize(out)
	}
	return out
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
