package codec

import (
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/protocol"
	"github.com/driftdb/driftdb/query"
)

var ErrBadTargetRecord = errors.New("driftdb: bad target record")

// Target record lits.
const (
	litTgtPath       = 'P'
	litTgtGroup      = 'g'
	litTgtFilter     = 'Q'
	litTgtOrderBy    = 'o'
	litTgtLimit      = 'L'
	litTgtStartAt    = 's'
	litTgtEndAt      = 'e'
	litTgtID         = 'N'
	litTgtMeta       = 'U' // purpose
	litTgtSeq        = 'n'
	litTgtVersion    = 'V'
	litTgtResume     = 'k'
	litTgtLimboFree  = 'l'
	litTgtFieldOp    = 'u'
	litTgtFieldPath  = 'F'
	litTgtComposite  = 'c'
	litBoundInclude  = 'i'
)

func appendFilter(buf []byte, f query.Filter) []byte {
	var body []byte
	if f.Kind == query.FieldFilterKind {
		body = protocol.Record(litTgtFieldPath, []byte(f.Field.String()))
		body = protocol.Append(body, litTgtFieldOp, []byte{byte(f.Op)})
		body = AppendValue(body, f.Value)
	} else {
		body = protocol.Record(litTgtComposite, []byte{byte(f.CompositeOp)})
		for _, sub := range f.Filters {
			body = appendFilter(body, sub)
		}
	}
	return protocol.Append(buf, litTgtFilter, body)
}

func takeFilter(body []byte) (query.Filter, error) {
	lit, first, rest, err := protocol.TakeAnyWary(body)
	if err != nil {
		return query.Filter{}, fmt.Errorf("%w: filter: %w", ErrBadTargetRecord, err)
	}
	switch lit {
	case litTgtFieldPath:
		opBody, rest, err := protocol.TakeWary(litTgtFieldOp, rest)
		if err != nil || len(opBody) != 1 {
			return query.Filter{}, fmt.Errorf("%w: filter op", ErrBadTargetRecord)
		}
		v, rest, err := TakeValue(rest)
		if err != nil {
			return query.Filter{}, err
		}
		if len(rest) != 0 {
			return query.Filter{}, fmt.Errorf("%w: filter trailing bytes", ErrBadTargetRecord)
		}
		return query.FieldFilter(model.ParseFieldPath(string(first)), query.Operator(opBody[0]), v), nil
	case litTgtComposite:
		if len(first) != 1 {
			return query.Filter{}, fmt.Errorf("%w: composite op", ErrBadTargetRecord)
		}
		var subs []query.Filter
		for len(rest) > 0 {
			sb, r, err := protocol.TakeWary(litTgtFilter, rest)
			if err != nil {
				return query.Filter{}, fmt.Errorf("%w: composite: %w", ErrBadTargetRecord, err)
			}
			sub, err := takeFilter(sb)
			if err != nil {
				return query.Filter{}, err
			}
			subs = append(subs, sub)
			rest = r
		}
		if query.CompositeOperator(first[0]) == query.CompositeOr {
			return query.OrFilter(subs...), nil
		}
		return query.AndFilter(subs...), nil
	default:
		return query.Filter{}, fmt.Errorf("%w: filter lit %c", ErrBadTargetRecord, lit)
	}
}

func appendBound(buf []byte, lit byte, b *query.Bound) []byte {
	var body []byte
	if b.Inclusive {
		body = protocol.Record(litBoundInclude, nil)
	}
	for _, v := range b.Position {
		body = AppendValue(body, v)
	}
	return protocol.Append(buf, lit, body)
}

func decodeBound(body []byte) (*query.Bound, error) {
	b := &query.Bound{}
	rest := body
	if len(rest) > 0 && protocol.Lit(rest) == litBoundInclude {
		_, rest = protocol.Take(litBoundInclude, rest)
		b.Inclusive = true
	}
	for len(rest) > 0 {
		v, r, err := TakeValue(rest)
		if err != nil {
			return nil, err
		}
		b.Position = append(b.Position, v)
		rest = r
	}
	return b, nil
}

// EncodeTarget serializes the query shape alone, without listen
// metadata. The remote serializer embeds it in addTarget frames.
func EncodeTarget(t *query.Target) []byte {
	buf := protocol.Append(nil, litTgtPath, []byte(t.Path.String()))
	if t.CollectionGroup != "" {
		buf = protocol.Append(buf, litTgtGroup, []byte(t.CollectionGroup))
	}
	for _, f := range t.Filters {
		buf = appendFilter(buf, f)
	}
	for _, o := range t.OrderBy {
		dir := byte(0)
		if o.Descending {
			dir = 1
		}
		buf = protocol.Append(buf, litTgtOrderBy, []byte{dir}, []byte(o.Field.String()))
	}
	if t.Limit != query.NoLimit {
		buf = protocol.Append(buf, litTgtLimit, ZipInt64(t.Limit))
	}
	if t.StartAt != nil {
		buf = appendBound(buf, litTgtStartAt, t.StartAt)
	}
	if t.EndAt != nil {
		buf = appendBound(buf, litTgtEndAt, t.EndAt)
	}
	return buf
}

func DecodeTarget(data []byte) (*query.Target, error) {
	t := &query.Target{Limit: query.NoLimit}
	rest := data
	for len(rest) > 0 {
		lit, body, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadTargetRecord, err)
		}
		rest = r
		switch lit {
		case litTgtPath:
			t.Path = model.ParseResourcePath(string(body))
		case litTgtGroup:
			t.CollectionGroup = string(body)
		case litTgtFilter:
			f, err := takeFilter(body)
			if err != nil {
				return nil, err
			}
			t.Filters = append(t.Filters, f)
		case litTgtOrderBy:
			if len(body) < 1 {
				return nil, fmt.Errorf("%w: orderBy", ErrBadTargetRecord)
			}
			o := query.OrderBy{Field: model.ParseFieldPath(string(body[1:])), Descending: body[0] != 0}
			t.OrderBy = append(t.OrderBy, o)
		case litTgtLimit:
			t.Limit = UnzipInt64(body)
		case litTgtStartAt, litTgtEndAt:
			b, err := decodeBound(body)
			if err != nil {
				return nil, err
			}
			if lit == litTgtStartAt {
				t.StartAt = b
			} else {
				t.EndAt = b
			}
		default:
			return nil, fmt.Errorf("%w: unknown lit %c", ErrBadTargetRecord, lit)
		}
	}
	return t, nil
}

// EncodeTargetData serializes a target plus its listen metadata, as the
// target cache stores it.
func EncodeTargetData(d *query.TargetData) []byte {
	buf := protocol.Append(nil, litTgtID, ZipInt64(int64(d.TargetID)))
	buf = protocol.Append(buf, litTgtMeta, []byte{byte(d.Purpose)})
	buf = protocol.Append(buf, litTgtSeq, ZipInt64(d.SequenceNumber))
	if !d.SnapshotVersion.IsZero() {
		buf = protocol.Append(buf, litTgtVersion, EncodeTimestamp(d.SnapshotVersion.Timestamp()))
	}
	if len(d.ResumeToken) > 0 {
		buf = protocol.Append(buf, litTgtResume, d.ResumeToken)
	}
	if !d.LastLimboFreeSnapshotVersion.IsZero() {
		buf = protocol.Append(buf, litTgtLimboFree, EncodeTimestamp(d.LastLimboFreeSnapshotVersion.Timestamp()))
	}
	return append(buf, EncodeTarget(d.Target)...)
}

func DecodeTargetData(data []byte) (*query.TargetData, error) {
	d := &query.TargetData{}
	var targetRecords []byte
	rest := data
	for len(rest) > 0 {
		lit, body, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadTargetRecord, err)
		}
		switch lit {
		case litTgtID:
			d.TargetID = query.TargetID(UnzipInt64(body))
		case litTgtMeta:
			if len(body) != 1 {
				return nil, fmt.Errorf("%w: purpose", ErrBadTargetRecord)
			}
			d.Purpose = query.TargetPurpose(body[0])
		case litTgtSeq:
			d.SequenceNumber = UnzipInt64(body)
		case litTgtVersion:
			d.SnapshotVersion = model.SnapshotVersion(DecodeTimestamp(body))
		case litTgtResume:
			d.ResumeToken = append([]byte(nil), body...)
		case litTgtLimboFree:
			d.LastLimboFreeSnapshotVersion = model.SnapshotVersion(DecodeTimestamp(body))
		default:
			// first target-shape record; the rest of the buffer is the
			// embedded target
			targetRecords = rest
			rest = nil
			continue
		}
		rest = r
	}
	if targetRecords == nil {
		return nil, fmt.Errorf("%w: missing target", ErrBadTargetRecord)
	}
	t, err := DecodeTarget(targetRecords)
	if err != nil {
		return nil, err
	}
	d.Target = t
	return d, nil
}
