// Package scheduler ranks (provider, endpoint, key) candidates for a request
// and drives failover across them.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/Laisky/zap"

	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/logger"
	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/convert"
)

// Candidate is one eligible (provider, endpoint, key) triple. MappedModel is
// the upstream-facing model name after per-provider renaming.
type Candidate struct {
	Provider        *model.Provider
	Endpoint        *model.ProviderEndpoint
	Key             *model.ProviderAPIKey
	NeedsConversion bool
	ProviderFormat  string
	MappedModel     string
	AffinityHit     bool
}

// AffinityKey identifies this candidate for cache affinity across requests.
// A client that hits the same key again likely reuses upstream prompt cache.
func (c *Candidate) AffinityKey() string {
	return fmt.Sprintf("%d:%d:%d", c.Provider.Id, c.Endpoint.Id, c.Key.Id)
}

// Input carries everything BuildCandidates needs, resolved ahead of time so
// candidate ranking itself touches no storage.
type Input struct {
	Providers []model.Provider
	// ModelBindings maps provider id to its binding of the requested model.
	// A provider without a binding does not serve the model.
	ModelBindings map[int]*model.Model
	ClientFormat  string
	ModelName     string
	// AffinityKey is the candidate key of a previous attempt for this client,
	// empty when none.
	AffinityKey       string
	IsStream          bool
	ConversionEnabled bool
	// MaxCandidates caps the ranked list; 0 means config.SchedulerMaxCandidates.
	MaxCandidates int
}

// LoadInput resolves the DB state BuildCandidates needs for one request.
func LoadInput(clientFormat, modelName, affinityKey string, isStream bool) (*Input, error) {
	providers, err := model.GetActiveProviders()
	if err != nil {
		return nil, err
	}
	bindings := make(map[int]*model.Model, len(providers))
	for i := range providers {
		binding, err := model.GetProviderModel(providers[i].Id, modelName)
		if err != nil {
			return nil, err
		}
		if binding != nil && binding.Enabled {
			bindings[providers[i].Id] = binding
		}
	}
	return &Input{
		Providers:         providers,
		ModelBindings:     bindings,
		ClientFormat:      clientFormat,
		ModelName:         modelName,
		AffinityKey:       affinityKey,
		IsStream:          isStream,
		ConversionEnabled: config.EnableFormatConversion,
	}, nil
}

// BuildCandidates filters and ranks candidates. Order is stable: exact-format
// matches before convertible ones, then affinity hits, then key priority
// descending, then endpoint id ascending.
func BuildCandidates(in *Input) []Candidate {
	clientFormat, err := apiformat.NormalizeKey(in.ClientFormat)
	if err != nil {
		logger.Logger.Warn("invalid client format", zap.String("format", in.ClientFormat))
		return nil
	}

	var candidates []Candidate
	for pi := range in.Providers {
		provider := &in.Providers[pi]
		binding, ok := in.ModelBindings[provider.Id]
		if !ok {
			continue
		}
		mapped := in.ModelName
		if binding.UpstreamName != "" {
			mapped = binding.UpstreamName
		}

		for ei := range provider.Endpoints {
			endpoint := &provider.Endpoints[ei]
			if !endpoint.Enabled {
				continue
			}
			acceptance, err := endpoint.AcceptanceConfig()
			if err != nil {
				logger.Logger.Warn("skip endpoint with bad acceptance config",
					zap.Int("endpoint_id", endpoint.Id), zap.Error(err))
				continue
			}
			compat := convert.IsFormatCompatible(clientFormat, endpoint.SignatureKey(),
				acceptance, in.IsStream, in.ConversionEnabled, convert.Default, false)
			if !compat.Compatible {
				continue
			}

			for ki := range provider.Keys {
				key := &provider.Keys[ki]
				if key.Status != model.ProviderKeyStatusEnabled {
					continue
				}
				if !keyServesFormat(key, clientFormat, endpoint.SignatureKey()) {
					continue
				}
				c := Candidate{
					Provider:        provider,
					Endpoint:        endpoint,
					Key:             key,
					NeedsConversion: compat.NeedsConversion,
					ProviderFormat:  endpoint.SignatureKey(),
					MappedModel:     mapped,
				}
				c.AffinityHit = in.AffinityKey != "" && c.AffinityKey() == in.AffinityKey
				candidates = append(candidates, c)
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if a.NeedsConversion != b.NeedsConversion {
			return !a.NeedsConversion
		}
		if a.AffinityHit != b.AffinityHit {
			return a.AffinityHit
		}
		if a.Key.InternalPriority != b.Key.InternalPriority {
			return a.Key.InternalPriority > b.Key.InternalPriority
		}
		return a.Endpoint.Id < b.Endpoint.Id
	})

	max := in.MaxCandidates
	if max <= 0 {
		max = config.SchedulerMaxCandidates
	}
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// keyServesFormat reports whether a key may serve this request. A key with an
// empty api_formats list serves every format of its provider; otherwise it
// must advertise either the client format or the endpoint's format.
func keyServesFormat(key *model.ProviderAPIKey, clientFormat, endpointFormat string) bool {
	formats, err := key.DecodeApiFormats()
	if err != nil {
		logger.Logger.Warn("skip key with bad api_formats", zap.Int("key_id", key.Id), zap.Error(err))
		return false
	}
	if len(formats) == 0 {
		return true
	}
	clientFamily, _ := apiformat.BaseFamily(clientFormat)
	endpointFamily, _ := apiformat.BaseFamily(endpointFormat)
	for _, f := range formats {
		normalized, err := apiformat.NormalizeKey(f)
		if err != nil {
			// A bare family entry covers every kind of that family.
			if family, ferr := apiformat.BaseFamily(f); ferr == nil &&
				(family == clientFamily || family == endpointFamily) {
				return true
			}
			continue
		}
		if normalized == clientFormat || normalized == endpointFormat {
			return true
		}
	}
	return false
}
