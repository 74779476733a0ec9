package convert

import (
	"strings"

	"github.com/aetherlab/aether/model"
	"github.com/aetherlab/aether/relay/apiformat"
)

// Compatibility is the scheduler-facing decision about one (client format,
// provider endpoint) pairing.
type Compatibility struct {
	Compatible      bool
	NeedsConversion bool
	SkipReason      string
}

func incompatible(reason string) Compatibility {
	return Compatibility{SkipReason: reason}
}

// IsFormatCompatible decides whether a provider endpoint can serve a client
// format. The tiers are strictly ordered: exact match always passes; the
// global conversion flag gates everything else; endpoint acceptance config is
// consulted next (reject entries win over accept entries, and streaming needs
// stream_conversion); shared data formats pass without conversion; anything
// else must be fully convertible by the registry.
//
// skipEndpointCheck lets callers that already validated acceptance (the video
// submit path re-checking a frozen candidate) bypass tier 3.
func IsFormatCompatible(
	clientKey, providerKey string,
	acceptance *model.FormatAcceptanceConfig,
	isStream bool,
	conversionEnabled bool,
	registry *Registry,
	skipEndpointCheck bool,
) Compatibility {
	clientNorm, err := apiformat.NormalizeKey(clientKey)
	if err != nil {
		return incompatible("invalid client format: " + clientKey)
	}
	providerNorm, err := apiformat.NormalizeKey(providerKey)
	if err != nil {
		return incompatible("invalid provider format: " + providerKey)
	}

	if clientNorm == providerNorm {
		return Compatibility{Compatible: true}
	}

	if !conversionEnabled {
		return incompatible("conversion disabled")
	}

	if !skipEndpointCheck {
		if acceptance == nil || !acceptance.Enabled {
			return incompatible("endpoint does not accept foreign formats")
		}
		if matchesFormatList(clientNorm, acceptance.RejectFormats) {
			return incompatible("client format rejected by endpoint config")
		}
		if len(acceptance.AcceptFormats) > 0 && !matchesFormatList(clientNorm, acceptance.AcceptFormats) {
			return incompatible("client format not in endpoint accept list")
		}
		if isStream && !acceptance.StreamConversion {
			return incompatible("endpoint does not allow stream conversion")
		}
	}

	clientSig, _ := apiformat.ParseKey(clientNorm)
	providerSig, _ := apiformat.ParseKey(providerNorm)
	if apiformat.CanPassthrough(clientSig, providerSig) {
		return Compatibility{Compatible: true}
	}

	if registry.CanConvertFull(clientNorm, providerNorm, isStream) {
		return Compatibility{Compatible: true, NeedsConversion: true}
	}
	return incompatible("no full conversion path from " + clientNorm + " to " + providerNorm)
}

// matchesFormatList checks membership with normalization; malformed entries
// in configuration are skipped rather than failing the request.
func matchesFormatList(normalizedKey string, list []string) bool {
	for _, entry := range list {
		norm, err := apiformat.NormalizeKey(entry)
		if err != nil {
			// tolerate bare family entries like "claude"
			if strings.EqualFold(strings.TrimSpace(entry), strings.SplitN(normalizedKey, ":", 2)[0]) {
				return true
			}
			continue
		}
		if norm == normalizedKey {
			return true
		}
	}
	return false
}
