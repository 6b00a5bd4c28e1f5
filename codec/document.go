package codec

import (
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/protocol"
)

var ErrBadDocumentRecord = errors.New("driftdb: bad document record")

// Document record lits. A stored document is a flat sequence of these;
// the store's value boundary frames it, so there is no outer envelope.
const (
	litDocPath    = 'P'
	litDocMeta    = 'U' // type, state
	litDocVersion = 'V'
	litDocCreate  = 'C'
	litDocRead    = 'E'
)

func EncodeDocument(d *model.Document) []byte {
	buf := protocol.Append(nil, litDocPath, []byte(d.Key.String()))
	buf = protocol.Append(buf, litDocMeta, []byte{byte(d.DocType), byte(d.State)})
	buf = protocol.Append(buf, litDocVersion, EncodeTimestamp(d.Version.Timestamp()))
	if !d.CreateTime.IsZero() {
		buf = protocol.Append(buf, litDocCreate, EncodeTimestamp(d.CreateTime.Timestamp()))
	}
	if !d.ReadTime.IsZero() {
		buf = protocol.Append(buf, litDocRead, EncodeTimestamp(d.ReadTime.Timestamp()))
	}
	if d.DocType == model.FoundDocument {
		buf = append(buf, EncodeObjectValue(d.Data)...)
	}
	return buf
}

func DecodeDocument(data []byte) (*model.Document, error) {
	d := &model.Document{}
	rest := data
	for len(rest) > 0 {
		lit, body, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadDocumentRecord, err)
		}
		rest = r
		switch lit {
		case litDocPath:
			d.Key = model.DocumentKeyFromString(string(body))
		case litDocMeta:
			if len(body) != 2 {
				return nil, fmt.Errorf("%w: meta length %d", ErrBadDocumentRecord, len(body))
			}
			d.DocType = model.DocumentType(body[0])
			d.State = model.DocumentState(body[1])
		case litDocVersion:
			d.Version = model.SnapshotVersion(DecodeTimestamp(body))
		case litDocCreate:
			d.CreateTime = model.SnapshotVersion(DecodeTimestamp(body))
		case litDocRead:
			d.ReadTime = model.SnapshotVersion(DecodeTimestamp(body))
		case litMap:
			v, err := decodeValueBody(litMap, body)
			if err != nil {
				return nil, err
			}
			d.Data = model.ObjectValueOf(v)
		default:
			return nil, fmt.Errorf("%w: unknown lit %c", ErrBadDocumentRecord, lit)
		}
	}
	if len(d.Key.String()) == 0 {
		return nil, fmt.Errorf("%w: missing path", ErrBadDocumentRecord)
	}
	return d, nil
}
