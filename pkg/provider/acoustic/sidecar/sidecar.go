// Package sidecar provides an acoustic provider that delegates speech feature
// extraction to an HTTP inference sidecar and pronunciation embedding to a
// phone encoder behind an [embeddings.Provider].
//
// Wire format for POST {base}/v1/features:
//
//	Content-Type: application/octet-stream
//	X-Sample-Rate: 16000
//	body: little-endian float32 samples
//
// answered with {"model": "...", "embedding": [...]}. A GET {base}/healthz
// returning 200 marks the sidecar ready.
package sidecar

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/glyphoxa-kws/pkg/provider/acoustic"
	"github.com/MrWong99/glyphoxa-kws/pkg/provider/embeddings"
)

// DefaultModel is the speech encoder the sidecar is expected to serve.
const DefaultModel = "anyspeech/clap-ipa-tiny-speech"

var _ acoustic.Provider = (*Provider)(nil)

// Provider implements acoustic.Provider.
type Provider struct {
	baseURL    string
	model      string
	sampleRate int
	normalize  bool
	phones     embeddings.Provider
	httpClient *http.Client

	// dims is learned from the first successful response when the phone
	// encoder cannot report it.
	dims atomic.Int64
}

type config struct {
	timeout    time.Duration
	sampleRate int
	normalize  bool
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. Default: 2s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithSampleRate sets the rate announced in X-Sample-Rate. Default: 16000.
func WithSampleRate(hz int) Option {
	return func(c *config) { c.sampleRate = hz }
}

// WithNormalize L2-normalizes speech features so dot-product scores become
// cosine similarities.
func WithNormalize(on bool) Option {
	return func(c *config) { c.normalize = on }
}

// WithHTTPClient replaces the HTTP client. The timeout option is ignored when
// a client is supplied.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Provider. phones must not be nil; an empty model means
// DefaultModel.
func New(baseURL, model string, phones embeddings.Provider, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("sidecar: base URL must not be empty")
	}
	if phones == nil {
		return nil, errors.New("sidecar: phone encoder must not be nil")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{timeout: 2 * time.Second, sampleRate: 16000}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, fmt.Errorf("sidecar: invalid sample rate %d", cfg.sampleRate)
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		sampleRate: cfg.sampleRate,
		normalize:  cfg.normalize,
		phones:     phones,
		httpClient: hc,
	}
	return p, nil
}

type featuresResponse struct {
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
}

// ExtractFeatures implements acoustic.Provider. Network failures, timeouts,
// 429 and 5xx responses wrap [acoustic.ErrTransient].
func (p *Provider) ExtractFeatures(ctx context.Context, window []float32) ([]float32, error) {
	if len(window) == 0 {
		return nil, errors.New("sidecar: extract features: empty window")
	}
	body := make([]byte, 4*len(window))
	for i, s := range window {
		binary.LittleEndian.PutUint32(body[i*4:], math.Float32bits(s))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/features", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sidecar: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Sample-Rate", strconv.Itoa(p.sampleRate))
	req.Header.Set("X-Model", p.model)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sidecar: extract features: %w", ctx.Err())
		}
		return nil, fmt.Errorf("sidecar: extract features: %w: %v", acoustic.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("sidecar: extract features: %w: %v", acoustic.ErrTransient, err)
		}
		return nil, fmt.Errorf("sidecar: extract features: %w", err)
	}

	var out featuresResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sidecar: extract features: %w: decode: %v", acoustic.ErrTransient, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("sidecar: extract features: %w: empty embedding", acoustic.ErrTransient)
	}
	p.dims.CompareAndSwap(0, int64(len(out.Embedding)))
	if p.normalize {
		embeddings.Normalize(out.Embedding)
	}
	return out.Embedding, nil
}

// EmbedPronunciation implements acoustic.Provider via the phone encoder.
func (p *Provider) EmbedPronunciation(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.phones.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("sidecar: embed pronunciation: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("sidecar: embed pronunciation %q: empty vector", text)
	}
	return vec, nil
}

// Score implements acoustic.Provider by dot product.
func (p *Provider) Score(features []float32, keywords map[string][]float32) (map[string]float64, error) {
	return acoustic.DotScores(features, keywords)
}

// Dimensions implements acoustic.Provider.
func (p *Provider) Dimensions() int {
	if d := p.phones.Dimensions(); d > 0 {
		return d
	}
	return int(p.dims.Load())
}

// ModelID implements acoustic.Provider. It combines the speech and phone
// encoder names since both define the space.
func (p *Provider) ModelID() string {
	return p.model + "+" + p.phones.ModelID()
}

// Ping checks GET {base}/healthz.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("sidecar: ping: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar: ping: status %d", resp.StatusCode)
	}
	return nil
}
