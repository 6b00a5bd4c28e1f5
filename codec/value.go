// Package codec is the TLV storage/wire encoding for model types. The
// byte layout is private to this client: the cache and the sync frames
// both go through it, so the two can never disagree.
package codec

import (
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/protocol"
)

var ErrBadValueRecord = errors.New("driftdb: bad value record")

// Value record lits.
const (
	litNull            = 'Z'
	litBool            = 'B'
	litInt             = 'I'
	litDouble          = 'D'
	litTimestamp       = 'T'
	litServerTimestamp = 'W'
	litString          = 'S'
	litBytes           = 'Y'
	litReference       = 'R'
	litGeoPoint        = 'G'
	litArray           = 'A'
	litMap             = 'M'
	litMapKey          = 'K'
)

func EncodeTimestamp(t model.Timestamp) []byte {
	return ZipUint64Pair(ZigZagInt64(t.Seconds), uint64(t.Nanos))
}

func DecodeTimestamp(body []byte) model.Timestamp {
	sec, nanos := UnzipUint64Pair(body)
	return model.Timestamp{Seconds: ZagZigUint64(sec), Nanos: int32(nanos)}
}

// AppendValue appends one value record to buf.
func AppendValue(buf []byte, v model.Value) []byte {
	switch v.Kind {
	case model.NullKind:
		return protocol.Append(buf, litNull)
	case model.BooleanKind:
		b := byte(0)
		if v.Boolean {
			b = 1
		}
		return protocol.Append(buf, litBool, []byte{b})
	case model.IntegerKind:
		return protocol.Append(buf, litInt, ZipInt64(v.Integer))
	case model.DoubleKind:
		return protocol.Append(buf, litDouble, ZipFloat64(v.Double))
	case model.TimestampKind:
		return protocol.Append(buf, litTimestamp, EncodeTimestamp(v.Time))
	case model.ServerTimestampKind:
		body := protocol.Record(litTimestamp, EncodeTimestamp(v.LocalWriteTime))
		if v.Previous != nil {
			body = append(body, AppendValue(nil, *v.Previous)...)
		}
		return protocol.Append(buf, litServerTimestamp, body)
	case model.StringKind:
		return protocol.Append(buf, litString, []byte(v.Str))
	case model.BytesKind:
		return protocol.Append(buf, litBytes, v.Bytes)
	case model.ReferenceKind:
		return protocol.Append(buf, litReference, []byte(v.RefPath))
	case model.GeoPointKind:
		body := protocol.Record(litDouble, ZipFloat64(v.Geo.Latitude))
		body = protocol.Append(body, litDouble, ZipFloat64(v.Geo.Longitude))
		return protocol.Append(buf, litGeoPoint, body)
	case model.ArrayKind:
		var body []byte
		for _, e := range v.Array {
			body = AppendValue(body, e)
		}
		return protocol.Append(buf, litArray, body)
	case model.MapKind:
		var body []byte
		for _, name := range model.SortedFieldNames(v.Map) {
			body = protocol.Append(body, litMapKey, []byte(name))
			body = AppendValue(body, v.Map[name])
		}
		return protocol.Append(buf, litMap, body)
	default:
		panic("driftdb: value kind out of range")
	}
}

func EncodeValue(v model.Value) []byte {
	return AppendValue(nil, v)
}

// TakeValue decodes the next value record, returning the rest.
func TakeValue(data []byte) (model.Value, []byte, error) {
	lit, body, rest, err := protocol.TakeAnyWary(data)
	if err != nil {
		return model.Value{}, nil, fmt.Errorf("%w: %w", ErrBadValueRecord, err)
	}
	v, err := decodeValueBody(lit, body)
	return v, rest, err
}

func DecodeValue(data []byte) (model.Value, error) {
	v, rest, err := TakeValue(data)
	if err == nil && len(rest) != 0 {
		return v, fmt.Errorf("%w: trailing bytes", ErrBadValueRecord)
	}
	return v, err
}

func decodeValueBody(lit byte, body []byte) (model.Value, error) {
	switch lit {
	case litNull:
		return model.NullValue(), nil
	case litBool:
		return model.BooleanValue(len(body) > 0 && body[0] != 0), nil
	case litInt:
		return model.IntegerValue(UnzipInt64(body)), nil
	case litDouble:
		return model.DoubleValue(UnzipFloat64(body)), nil
	case litTimestamp:
		return model.TimeValue(DecodeTimestamp(body)), nil
	case litServerTimestamp:
		tbody, rest, err := protocol.TakeWary(litTimestamp, body)
		if err != nil {
			return model.Value{}, fmt.Errorf("%w: server timestamp: %w", ErrBadValueRecord, err)
		}
		var prev *model.Value
		if len(rest) > 0 {
			p, rest2, err := TakeValue(rest)
			if err != nil {
				return model.Value{}, err
			}
			if len(rest2) != 0 {
				return model.Value{}, fmt.Errorf("%w: server timestamp trailing bytes", ErrBadValueRecord)
			}
			prev = &p
		}
		return model.ServerTimestampValue(DecodeTimestamp(tbody), prev), nil
	case litString:
		return model.StringValue(string(body)), nil
	case litBytes:
		return model.BytesValue(append([]byte(nil), body...)), nil
	case litReference:
		return model.ReferenceValue(model.DocumentKeyFromString(string(body))), nil
	case litGeoPoint:
		latBody, rest, err := protocol.TakeWary(litDouble, body)
		if err != nil {
			return model.Value{}, fmt.Errorf("%w: geo point: %w", ErrBadValueRecord, err)
		}
		lngBody, _, err := protocol.TakeWary(litDouble, rest)
		if err != nil {
			return model.Value{}, fmt.Errorf("%w: geo point: %w", ErrBadValueRecord, err)
		}
		return model.GeoPointValue(UnzipFloat64(latBody), UnzipFloat64(lngBody)), nil
	case litArray:
		var elems []model.Value
		rest := body
		for len(rest) > 0 {
			var e model.Value
			var err error
			e, rest, err = TakeValue(rest)
			if err != nil {
				return model.Value{}, err
			}
			elems = append(elems, e)
		}
		return model.ArrayValue(elems...), nil
	case litMap:
		fields := map[string]model.Value{}
		rest := body
		for len(rest) > 0 {
			name, r, err := protocol.TakeWary(litMapKey, rest)
			if err != nil {
				return model.Value{}, fmt.Errorf("%w: map key: %w", ErrBadValueRecord, err)
			}
			v, r2, err := TakeValue(r)
			if err != nil {
				return model.Value{}, err
			}
			fields[string(name)] = v
			rest = r2
		}
		return model.MapValue(fields), nil
	default:
		return model.Value{}, fmt.Errorf("%w: unknown lit %c", ErrBadValueRecord, lit)
	}
}

func EncodeObjectValue(o model.ObjectValue) []byte {
	return EncodeValue(o.Value())
}

func DecodeObjectValue(data []byte) (model.ObjectValue, error) {
	v, err := DecodeValue(data)
	if err != nil {
		return model.ObjectValue{}, err
	}
	if v.Kind != model.MapKind {
		return model.ObjectValue{}, fmt.Errorf("%w: object value must be a map", ErrBadValueRecord)
	}
	return model.ObjectValueOf(v), nil
}
