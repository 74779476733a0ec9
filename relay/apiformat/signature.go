package apiformat

import (
	"strings"

	"github.com/Laisky/errors/v2"
)

// Signature identifies one endpoint surface as (family, kind). Its canonical
// string key is "family:kind", lowercase.
type Signature struct {
	Family Family
	Kind   Kind
}

// Key emits the canonical "family:kind" form.
func (s Signature) Key() string {
	return string(s.Family) + ":" + string(s.Kind)
}

func (s Signature) String() string { return s.Key() }

// IsZero reports whether s carries no signature.
func (s Signature) IsZero() bool { return s.Family == "" && s.Kind == "" }

// MakeKey builds a canonical signature key from parts.
func MakeKey(family Family, kind Kind) string {
	return Signature{Family: family, Kind: kind}.Key()
}

// ParseKey parses a signature key. Parsing is case-insensitive and tolerates
// surrounding whitespace; emission via Key() is always canonical.
func ParseKey(key string) (Signature, error) {
	trimmed := strings.ToLower(strings.TrimSpace(key))
	if trimmed == "" {
		return Signature{}, errors.New("empty signature key")
	}
	parts := strings.Split(trimmed, ":")
	if len(parts) != 2 {
		return Signature{}, errors.Errorf("invalid signature key: %q", key)
	}
	sig := Signature{
		Family: Family(strings.TrimSpace(parts[0])),
		Kind:   Kind(strings.TrimSpace(parts[1])),
	}
	if !ValidFamily(sig.Family) {
		return Signature{}, errors.Errorf("unknown api family in signature: %q", key)
	}
	if !ValidKind(sig.Kind) {
		return Signature{}, errors.Errorf("unknown endpoint kind in signature: %q", key)
	}
	return sig, nil
}

// NormalizeKey parses and re-emits a key in canonical form.
func NormalizeKey(key string) (string, error) {
	sig, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return sig.Key(), nil
}

// BaseFamily extracts just the family from a signature key, tolerating bare
// family strings like "openai" for legacy configuration values.
func BaseFamily(key string) (Family, error) {
	trimmed := strings.ToLower(strings.TrimSpace(key))
	if i := strings.IndexByte(trimmed, ':'); i >= 0 {
		trimmed = trimmed[:i]
	}
	f := Family(trimmed)
	if !ValidFamily(f) {
		return "", errors.Errorf("unknown api family: %q", key)
	}
	return f, nil
}

// IsCLIKey reports whether the key names a cli-kind surface.
func IsCLIKey(key string) bool {
	sig, err := ParseKey(key)
	return err == nil && sig.Kind == KindCLI
}
