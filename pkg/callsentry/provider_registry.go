package callsentry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/callsentry/pkg/adapters/stt"
	"github.com/harunnryd/callsentry/pkg/detection"
)

// RecognizerBuilder builds the process-wide recognizer from config. It runs once at startup.
type RecognizerBuilder func(ctx context.Context, cfg Config) (stt.Recognizer, error)

// DetectorBuilder builds the detection client from config.
type DetectorBuilder func(cfg Config) (detection.Detector, error)

// ProviderRegistry maps provider names from config to their builders.
type ProviderRegistry struct {
	stt       map[string]RecognizerBuilder
	detection map[string]DetectorBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]RecognizerBuilder),
		detection: make(map[string]DetectorBuilder),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, builder RecognizerBuilder) {
	r.stt[normalizeName(name)] = builder
}

func (r *ProviderRegistry) RegisterDetector(name string, builder DetectorBuilder) {
	r.detection[normalizeName(name)] = builder
}

func (r *ProviderRegistry) BuildRecognizer(ctx context.Context, provider string, cfg Config) (stt.Recognizer, error) {
	fn := r.stt[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s (have %s)", provider, strings.Join(names(r.stt), ", "))
	}
	return fn(ctx, cfg)
}

func (r *ProviderRegistry) BuildDetector(provider string, cfg Config) (detection.Detector, error) {
	fn := r.detection[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("detection provider not registered: %s (have %s)", provider, strings.Join(names(r.detection), ", "))
	}
	return fn(cfg)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func names[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
