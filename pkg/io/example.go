package io

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Example holds the int64 and float lists of a tf.Example. Bytes lists are ignored.
type Example struct {
	Int64Features map[string][]int64
	FloatFeatures map[string][]float32
}

func NewExample() *Example {
	return &Example{
		Int64Features: map[string][]int64{},
		FloatFeatures: map[string][]float32{},
	}
}

// tf.Example field numbers
const (
	exampleFeatures  protowire.Number = 1
	featuresFeature  protowire.Number = 1
	mapEntryKey      protowire.Number = 1
	mapEntryValue    protowire.Number = 2
	featureFloatList protowire.Number = 2
	featureInt64List protowire.Number = 3
	listValue        protowire.Number = 1
)

// EncodeExample serializes e as a tf.Example with packed lists. Keys are written sorted.
func EncodeExample(e *Example) []byte {
	var features []byte
	for _, key := range sortedKeys(e.Int64Features) {
		var list []byte
		for _, v := range e.Int64Features[key] {
			list = protowire.AppendVarint(list, uint64(v))
		}
		features = appendFeature(features, key, featureInt64List, list)
	}
	for _, key := range sortedKeys(e.FloatFeatures) {
		var list []byte
		for _, v := range e.FloatFeatures[key] {
			list = protowire.AppendFixed32(list, math.Float32bits(v))
		}
		features = appendFeature(features, key, featureFloatList, list)
	}
	var out []byte
	out = protowire.AppendTag(out, exampleFeatures, protowire.BytesType)
	return protowire.AppendBytes(out, features)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendFeature(b []byte, key string, kind protowire.Number, packed []byte) []byte {
	var list []byte
	list = protowire.AppendTag(list, listValue, protowire.BytesType)
	list = protowire.AppendBytes(list, packed)

	var feature []byte
	feature = protowire.AppendTag(feature, kind, protowire.BytesType)
	feature = protowire.AppendBytes(feature, list)

	var entry []byte
	entry = protowire.AppendTag(entry, mapEntryKey, protowire.BytesType)
	entry = protowire.AppendString(entry, key)
	entry = protowire.AppendTag(entry, mapEntryValue, protowire.BytesType)
	entry = protowire.AppendBytes(entry, feature)

	b = protowire.AppendTag(b, featuresFeature, protowire.BytesType)
	return protowire.AppendBytes(b, entry)
}

// fields walks the top-level fields of a message, calling fn for each of them.
// fn receives the raw value bytes for length-delimited fields and the decoded number
// for varint and fixed32 ones.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var raw []byte
		var scalar uint64
		switch typ {
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			scalar = uint64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, raw, scalar); err != nil {
			return err
		}
	}
	return nil
}

// DecodeExample parses a serialized tf.Example.
func DecodeExample(b []byte) (*Example, error) {
	e := NewExample()
	err := fields(b, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if num != exampleFeatures || typ != protowire.BytesType {
			return nil
		}
		return fields(raw, func(num protowire.Number, typ protowire.Type, entry []byte, _ uint64) error {
			if num != featuresFeature || typ != protowire.BytesType {
				return nil
			}
			return decodeFeatureEntry(e, entry)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("error decoding tf.Example: %w", err)
	}
	return e, nil
}

func decodeFeatureEntry(e *Example, entry []byte) error {
	var key string
	var feature []byte
	err := fields(entry, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		switch {
		case num == mapEntryKey && typ == protowire.BytesType:
			key = string(raw)
		case num == mapEntryValue && typ == protowire.BytesType:
			feature = raw
		}
		return nil
	})
	if err != nil {
		return err
	}
	return fields(feature, func(num protowire.Number, typ protowire.Type, list []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case featureInt64List:
			values, err := decodeInt64List(list)
			if err != nil {
				return fmt.Errorf("feature %s: %w", key, err)
			}
			e.Int64Features[key] = values
		case featureFloatList:
			values, err := decodeFloatList(list)
			if err != nil {
				return fmt.Errorf("feature %s: %w", key, err)
			}
			e.FloatFeatures[key] = values
		}
		return nil
	})
}

func decodeInt64List(b []byte) ([]int64, error) {
	var values []int64
	err := fields(b, func(num protowire.Number, typ protowire.Type, raw []byte, scalar uint64) error {
		if num != listValue {
			return nil
		}
		switch typ {
		case protowire.VarintType:
			values = append(values, int64(scalar))
		case protowire.BytesType:
			for len(raw) > 0 {
				v, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				values = append(values, int64(v))
				raw = raw[n:]
			}
		}
		return nil
	})
	return values, err
}

func decodeFloatList(b []byte) ([]float32, error) {
	var values []float32
	err := fields(b, func(num protowire.Number, typ protowire.Type, raw []byte, scalar uint64) error {
		if num != listValue {
			return nil
		}
		switch typ {
		case protowire.Fixed32Type:
			values = append(values, math.Float32frombits(uint32(scalar)))
		case protowire.BytesType:
			for len(raw) > 0 {
				v, n := protowire.ConsumeFixed32(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				values = append(values, math.Float32frombits(v))
				raw = raw[n:]
			}
		}
		return nil
	})
	return values, err
}
