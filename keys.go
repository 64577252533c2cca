/*
Package lounge – key codec.

Bidirectional mapping between a document's user-visible key value and its
storage key, plus lookup-document ("ref") key derivation.
*/
package lounge

import (
	"strconv"
	"strings"
)

// stringifyKeyValue coerces a key value to its canonical string form.
// Numbers use base-10 representation.
func stringifyKeyValue(v any) (string, error) {
	switch tv := v.(type) {
	case string:
		return tv, nil
	case int:
		return strconv.Itoa(tv), nil
	case int32:
		return strconv.FormatInt(int64(tv), 10), nil
	case int64:
		return strconv.FormatInt(tv, 10), nil
	case uint64:
		return strconv.FormatUint(tv, 10), nil
	case float32:
		return strconv.FormatFloat(float64(tv), 'f', -1, 64), nil
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), nil
	}
	return "", NewError("key value must be a string or number",
		WithCode(ErrInvalidKey), WithContext(map[string]any{"value": v}))
}

// keyAffixes resolves the effective prefix and suffix for the key field:
// field override → schema option → config.
func keyAffixes(s *Schema, f *preparedField, cfg *Config) (prefix, suffix string) {
	prefix = cfg.KeyPrefix
	if s.opts.KeyPrefix != nil {
		prefix = *s.opts.KeyPrefix
	}
	if f != nil && f.Def.Prefix != nil {
		prefix = *f.Def.Prefix
	}
	suffix = cfg.KeySuffix
	if s.opts.KeySuffix != nil {
		suffix = *s.opts.KeySuffix
	}
	if f != nil && f.Def.Suffix != nil {
		suffix = *f.Def.Suffix
	}
	return prefix, suffix
}

func schemaDelimiter(s *Schema, cfg *Config) string {
	if s.opts.Delimiter != nil {
		return *s.opts.Delimiter
	}
	return cfg.Delimiter
}

func schemaRefPrefix(s *Schema, cfg *Config) string {
	if s.opts.RefIndexKeyPrefix != nil {
		return *s.opts.RefIndexKeyPrefix
	}
	return cfg.RefIndexKeyPrefix
}

// storageKey maps a user-visible key value to its storage key. The user
// value must not contain the delimiter.
func storageKey(userValue any, s *Schema, cfg *Config) (string, error) {
	val, err := stringifyKeyValue(userValue)
	if err != nil {
		return "", err
	}
	if val == "" {
		return "", NewError("key value must not be empty", WithCode(ErrInvalidKey))
	}
	delim := schemaDelimiter(s, cfg)
	if delim != "" && strings.Contains(val, delim) {
		return "", NewError("key value must not contain the delimiter",
			WithCode(ErrInvalidKey),
			WithContext(map[string]any{"value": val, "delimiter": delim}))
	}
	prefix, suffix := keyAffixes(s, s.keyField, cfg)
	return prefix + val + suffix, nil
}

// userKey recovers the user-visible key value from a storage key.
func userKey(storage string, s *Schema, cfg *Config) string {
	prefix, suffix := keyAffixes(s, s.keyField, cfg)
	val := strings.TrimPrefix(storage, prefix)
	return strings.TrimSuffix(val, suffix)
}

// refKey computes the lookup-document storage key for an indexed field
// value: keyPrefix + refIndexKeyPrefix + indexName + delimiter + value +
// keySuffix. The field-level key affix overrides do not apply here.
func refKey(f *preparedField, value any, s *Schema, cfg *Config) (string, error) {
	val, err := stringifyKeyValue(value)
	if err != nil {
		return "", err
	}
	prefix, suffix := keyAffixes(s, nil, cfg)
	delim := schemaDelimiter(s, cfg)
	return prefix + schemaRefPrefix(s, cfg) + f.IndexName + delim + val + suffix, nil
}
