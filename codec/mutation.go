package codec

import (
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/protocol"
)

var ErrBadMutationRecord = errors.New("driftdb: bad mutation record")

// Mutation record lits. A mutation is framed as one 'X' record whose
// body is a flat sequence of field records; a batch is a sequence of
// header records followed by 'b'-framed base mutations and 'x'-framed
// queue mutations.
const (
	litMutation     = 'X'
	litMutPath      = 'P'
	litMutKind      = 'U'
	litMutData      = 'O' // Set value or Patch data, a litMap record follows inside
	litMutMaskPath  = 'F'
	litMutHasMask   = 'f'
	litMutTransform = 'J'
	litMutPreExists = 'p'
	litMutPreUpdate = 'V'

	litBatchID    = 'N'
	litBatchTime  = 'T'
	litBatchBase  = 'b'
	litBatchQueue = 'x'
)

func appendFieldTransform(buf []byte, t model.FieldTransform) []byte {
	body := protocol.Record(litMutKind, []byte{byte(t.Kind)})
	body = protocol.Append(body, litMutMaskPath, []byte(t.Field.String()))
	switch t.Kind {
	case model.TransformArrayUnion, model.TransformArrayRemove:
		for _, e := range t.Elements {
			body = AppendValue(body, e)
		}
	case model.TransformIncrement:
		body = AppendValue(body, t.Operand)
	}
	return protocol.Append(buf, litMutTransform, body)
}

func takeFieldTransform(body []byte) (model.FieldTransform, error) {
	var t model.FieldTransform
	kindBody, rest, err := protocol.TakeWary(litMutKind, body)
	if err != nil || len(kindBody) != 1 {
		return t, fmt.Errorf("%w: transform kind", ErrBadMutationRecord)
	}
	t.Kind = model.TransformKind(kindBody[0])
	pathBody, rest, err := protocol.TakeWary(litMutMaskPath, rest)
	if err != nil {
		return t, fmt.Errorf("%w: transform field", ErrBadMutationRecord)
	}
	t.Field = model.ParseFieldPath(string(pathBody))
	var values []model.Value
	for len(rest) > 0 {
		var v model.Value
		v, rest, err = TakeValue(rest)
		if err != nil {
			return t, err
		}
		values = append(values, v)
	}
	switch t.Kind {
	case model.TransformArrayUnion, model.TransformArrayRemove:
		t.Elements = values
	case model.TransformIncrement:
		if len(values) != 1 {
			return t, fmt.Errorf("%w: increment needs one operand", ErrBadMutationRecord)
		}
		t.Operand = values[0]
	}
	return t, nil
}

// AppendMutation appends one 'X'-framed mutation record.
func AppendMutation(buf []byte, m model.Mutation) []byte {
	body := protocol.Record(litMutKind, []byte{byte(m.Kind)})
	body = protocol.Append(body, litMutPath, []byte(m.Key.String()))
	switch m.Kind {
	case model.MutationSet:
		body = protocol.Append(body, litMutData, EncodeObjectValue(m.Value))
	case model.MutationPatch:
		body = protocol.Append(body, litMutData, EncodeObjectValue(m.Data))
		body = protocol.Append(body, litMutHasMask)
		for _, p := range m.Mask.Paths() {
			body = protocol.Append(body, litMutMaskPath, []byte(p.String()))
		}
	}
	for _, t := range m.Transforms {
		body = appendFieldTransform(body, t)
	}
	if m.Precondition.Exists != nil {
		b := byte(0)
		if *m.Precondition.Exists {
			b = 1
		}
		body = protocol.Append(body, litMutPreExists, []byte{b})
	}
	if m.Precondition.UpdateTime != nil {
		body = protocol.Append(body, litMutPreUpdate, EncodeTimestamp(m.Precondition.UpdateTime.Timestamp()))
	}
	return protocol.Append(buf, litMutation, body)
}

func EncodeMutation(m model.Mutation) []byte {
	return AppendMutation(nil, m)
}

// TakeMutation decodes the next 'X' record, returning the rest.
func TakeMutation(data []byte) (model.Mutation, []byte, error) {
	body, rest, err := protocol.TakeWary(litMutation, data)
	if err != nil {
		return model.Mutation{}, nil, fmt.Errorf("%w: %w", ErrBadMutationRecord, err)
	}
	m, err := decodeMutationBody(body)
	return m, rest, err
}

func DecodeMutation(data []byte) (model.Mutation, error) {
	m, rest, err := TakeMutation(data)
	if err == nil && len(rest) != 0 {
		return m, fmt.Errorf("%w: trailing bytes", ErrBadMutationRecord)
	}
	return m, err
}

func decodeMutationBody(body []byte) (model.Mutation, error) {
	var m model.Mutation
	var maskPaths []model.FieldPath
	rest := body
	for len(rest) > 0 {
		lit, fb, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return m, fmt.Errorf("%w: %w", ErrBadMutationRecord, err)
		}
		rest = r
		switch lit {
		case litMutKind:
			if len(fb) != 1 {
				return m, fmt.Errorf("%w: kind length %d", ErrBadMutationRecord, len(fb))
			}
			m.Kind = model.MutationKind(fb[0])
		case litMutPath:
			m.Key = model.DocumentKeyFromString(string(fb))
		case litMutData:
			o, err := DecodeObjectValue(fb)
			if err != nil {
				return m, err
			}
			if m.Kind == model.MutationSet {
				m.Value = o
			} else {
				m.Data = o
			}
		case litMutHasMask:
			// mask marker; paths follow as litMutMaskPath records
		case litMutMaskPath:
			maskPaths = append(maskPaths, model.ParseFieldPath(string(fb)))
		case litMutTransform:
			t, err := takeFieldTransform(fb)
			if err != nil {
				return m, err
			}
			m.Transforms = append(m.Transforms, t)
		case litMutPreExists:
			exists := len(fb) > 0 && fb[0] != 0
			m.Precondition.Exists = &exists
		case litMutPreUpdate:
			v := model.SnapshotVersion(DecodeTimestamp(fb))
			m.Precondition.UpdateTime = &v
		default:
			return m, fmt.Errorf("%w: unknown lit %c", ErrBadMutationRecord, lit)
		}
	}
	if m.Kind == model.MutationPatch {
		m.Mask = model.NewFieldMask(maskPaths...)
	}
	return m, nil
}

func EncodeMutationBatch(b *model.MutationBatch) []byte {
	buf := protocol.Append(nil, litBatchID, ZipInt64(int64(b.BatchID)))
	buf = protocol.Append(buf, litBatchTime, EncodeTimestamp(b.LocalWriteTime))
	var base []byte
	for _, m := range b.BaseMutations {
		base = AppendMutation(base, m)
	}
	buf = protocol.Append(buf, litBatchBase, base)
	var queue []byte
	for _, m := range b.Mutations {
		queue = AppendMutation(queue, m)
	}
	return protocol.Append(buf, litBatchQueue, queue)
}

func DecodeMutationBatch(data []byte) (*model.MutationBatch, error) {
	b := &model.MutationBatch{}
	rest := data
	for len(rest) > 0 {
		lit, body, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: batch: %w", ErrBadMutationRecord, err)
		}
		rest = r
		switch lit {
		case litBatchID:
			b.BatchID = model.BatchID(UnzipInt64(body))
		case litBatchTime:
			b.LocalWriteTime = DecodeTimestamp(body)
		case litBatchBase, litBatchQueue:
			var muts []model.Mutation
			for len(body) > 0 {
				var m model.Mutation
				m, body, err = TakeMutation(body)
				if err != nil {
					return nil, err
				}
				muts = append(muts, m)
			}
			if lit == litBatchBase {
				b.BaseMutations = muts
			} else {
				b.Mutations = muts
			}
		default:
			return nil, fmt.Errorf("%w: batch: unknown lit %c", ErrBadMutationRecord, lit)
		}
	}
	return b, nil
}
