package convert

import (
	"github.com/Laisky/errors/v2"

	"github.com/aetherlab/aether/relay/apiformat"
)

// Registry routes payloads between families through their normalizers.
// A conversion pair is "full" when both sides support request, response, and
// stream translation for the relevant kinds.
type Registry struct {
	normalizers map[apiformat.Family]Normalizer
}

// NewRegistry builds the registry with the three built-in normalizers.
func NewRegistry() *Registry {
	return &Registry{
		normalizers: map[apiformat.Family]Normalizer{
			apiformat.FamilyOpenAI: openaiNormalizer{},
			apiformat.FamilyClaude: claudeNormalizer{},
			apiformat.FamilyGemini: geminiNormalizer{},
		},
	}
}

// Default is the process-wide registry. Normalizers are stateless so sharing
// is safe.
var Default = NewRegistry()

// Normalizer returns the family's normalizer.
func (r *Registry) Normalizer(family apiformat.Family) (Normalizer, error) {
	n, ok := r.normalizers[family]
	if !ok {
		return nil, errors.Errorf("no normalizer for family %q", family)
	}
	return n, nil
}

// videoFamilies lists families with a video surface; chat/cli conversion is
// supported across all three families.
var videoFamilies = map[apiformat.Family]bool{
	apiformat.FamilyOpenAI: true,
	apiformat.FamilyGemini: true,
}

// CanConvertFull reports whether the registry offers a complete conversion
// path between two signature keys, including the stream variant when
// requireStream is set. This is the only conversion capability check new
// code should use.
func (r *Registry) CanConvertFull(fromKey, toKey string, requireStream bool) bool {
	from, err := apiformat.ParseKey(fromKey)
	if err != nil {
		return false
	}
	to, err := apiformat.ParseKey(toKey)
	if err != nil {
		return false
	}
	if _, ok := r.normalizers[from.Family]; !ok {
		return false
	}
	if _, ok := r.normalizers[to.Family]; !ok {
		return false
	}

	switch {
	case from.Kind == apiformat.KindVideo || to.Kind == apiformat.KindVideo:
		// Video converts only video-to-video, between video-capable families,
		// and has no streaming variant.
		if from.Kind != to.Kind || requireStream {
			return false
		}
		return videoFamilies[from.Family] && videoFamilies[to.Family]
	case from.Kind == apiformat.KindImage || to.Kind == apiformat.KindImage:
		return false
	default:
		// chat and cli interconvert across all families.
		return true
	}
}

// ConvertRequest translates a chat request body between families.
func (r *Registry) ConvertRequest(fromFamily, toFamily apiformat.Family, body []byte) ([]byte, error) {
	from, err := r.Normalizer(fromFamily)
	if err != nil {
		return nil, err
	}
	to, err := r.Normalizer(toFamily)
	if err != nil {
		return nil, err
	}
	req, err := from.ParseRequest(body)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s request", fromFamily)
	}
	out, err := to.BuildRequest(req)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", toFamily)
	}
	return out, nil
}

// ConvertResponse translates a non-streaming chat response between families.
func (r *Registry) ConvertResponse(fromFamily, toFamily apiformat.Family, body []byte) ([]byte, error) {
	from, err := r.Normalizer(fromFamily)
	if err != nil {
		return nil, err
	}
	to, err := r.Normalizer(toFamily)
	if err != nil {
		return nil, err
	}
	resp, err := from.ParseResponse(body)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s response", fromFamily)
	}
	out, err := to.BuildResponse(resp)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s response", toFamily)
	}
	return out, nil
}

// ConvertStreamChunk translates one SSE data payload between families. A nil
// result with nil error means the chunk carries nothing the target dialect
// needs to see.
func (r *Registry) ConvertStreamChunk(fromFamily, toFamily apiformat.Family, data []byte) ([]byte, error) {
	from, err := r.Normalizer(fromFamily)
	if err != nil {
		return nil, err
	}
	to, err := r.Normalizer(toFamily)
	if err != nil {
		return nil, err
	}
	chunk, err := from.ParseStreamChunk(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s stream chunk", fromFamily)
	}
	if chunk == nil {
		return nil, nil
	}
	out, err := to.BuildStreamChunk(chunk)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s stream chunk", toFamily)
	}
	return out, nil
}

// ConvertVideoRequest translates a video submit body between families.
func (r *Registry) ConvertVideoRequest(fromFamily, toFamily apiformat.Family, body []byte) ([]byte, error) {
	from, err := r.Normalizer(fromFamily)
	if err != nil {
		return nil, err
	}
	to, err := r.Normalizer(toFamily)
	if err != nil {
		return nil, err
	}
	req, err := from.ParseVideoRequest(body)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s video request", fromFamily)
	}
	out, err := to.BuildVideoRequest(req)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s video request", toFamily)
	}
	return out, nil
}

// IsConvertibleFormat is a legacy predicate kept for old call sites.
//
// Deprecated: it answers true for any parseable key; use CanConvertFull.
func IsConvertibleFormat(key string) bool {
	return key != ""
}
