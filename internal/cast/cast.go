// Package cast converts the untyped values produced by a bencode decode
// (string, []byte, int64, []any, map[string]any) into the concrete Go types
// metainfo parsing expects.
package cast

import "fmt"

// ToString requires v to be a bencode byte string, decoded by the parser as
// either a string or a []byte depending on call site.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("cast: %T is not a string", v)
	}
}

// ToBytes requires v to be a bencode byte string, returned without a copy
// when v is already a []byte.
func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("cast: %T is not a byte string", v)
	}
}

// ToInt requires v to be a bencode integer. The decoder may hand back any
// of Go's integer widths depending on how the value was produced, so every
// signed and unsigned width is accepted.
func ToInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("cast: %T is not an integer", v)
	}
}

// ToStringSlice requires v to be a bencode list of byte strings, as used for
// a multi-file torrent entry's "path" segments.
func ToStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: %T is not a list", v)
	}

	out := make([]string, 0, len(list))
	for i, e := range list {
		s, err := ToString(e)
		if err != nil {
			return nil, fmt.Errorf("cast: element %d: %w", i, err)
		}

		out = append(out, s)
	}

	return out, nil
}

// ToTieredStrings requires v to be a bencode list of lists of byte strings,
// the shape of a metainfo "announce-list": one tier of tracker URLs per
// outer element, tried in order until one responds.
func ToTieredStrings(v any) ([][]string, error) {
	tiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: %T is not a list of tiers", v)
	}

	out := make([][]string, 0, len(tiers))
	for i, t := range tiers {
		ss, err := ToStringSlice(t)
		if err != nil || len(ss) == 0 {
			return nil, fmt.Errorf("cast: tier %d: invalid tier", i)
		}

		out = append(out, ss)
	}

	return out, nil
}
