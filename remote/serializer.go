package remote

import (
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/codec"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/protocol"
	"github.com/driftdb/driftdb/query"
)

var ErrBadFrame = errors.New("driftdb: bad stream frame")

// Stream frame lits. Each frame is one top-level TLV record; nested
// records reuse the codec layouts, so wire and cache never diverge.
const (
	// client to server
	litFrameAuth         = 'C'
	litFrameHandshake    = 'H'
	litFrameWrite        = 'W'
	litFrameAddTarget    = 'A'
	litFrameRemoveTarget = 'R'
	// server to client
	litFrameHandshakeAck = 'h'
	litFrameWriteAck     = 'K'
	litFrameDocChange    = 'D'
	litFrameTargetChange = 'T'
	litFrameFilter       = 'F'
	litFrameError        = 'E'

	// nested fields
	litFldTargetID    = 'n'
	litFldToken       = 'k'
	litFldPath        = 'P'
	litFldVersion     = 'V'
	litFldState       = 'u'
	litFldCount       = 'c'
	litFldBloomBits   = 'y'
	litFldBloomShape  = 's'
	litFldCode        = 'e'
	litFldMessage     = 'm'
	litFldUpdated     = 'i'
	litFldRemoved     = 'r'
	litFldResult      = 'x'
	litFldBatchID     = 'N'
	litFldTransformed = 't'
	litFldDocument    = 'O'
)

// EncodeAuth carries the caller's auth token. It is the first record
// sent on every stream; an empty token is still framed so the backend
// can tell "no auth" from a truncated stream.
func EncodeAuth(token string) []byte {
	return protocol.Record(litFrameAuth, []byte(token))
}

func DecodeAuth(rec []byte) (string, error) {
	body, rest, err := protocol.TakeWary(litFrameAuth, rec)
	if err != nil || len(rest) != 0 {
		return "", fmt.Errorf("%w: auth", ErrBadFrame)
	}
	return string(body), nil
}

// EncodeAddTarget frames a listen request for one target.
func EncodeAddTarget(td *query.TargetData) []byte {
	body := protocol.Record(litFldTargetID, codec.ZipInt64(int64(td.TargetID)))
	if len(td.ResumeToken) > 0 {
		body = protocol.Append(body, litFldToken, td.ResumeToken)
	}
	body = append(body, codec.EncodeTarget(td.Target)...)
	return protocol.Record(litFrameAddTarget, body)
}

func EncodeRemoveTarget(id query.TargetID) []byte {
	return protocol.Record(litFrameRemoveTarget,
		protocol.Record(litFldTargetID, codec.ZipInt64(int64(id))))
}

// EncodeHandshake opens the write stream; the stream token resumes the
// server-side write sequence across reconnects.
func EncodeHandshake(streamToken []byte) []byte {
	var body []byte
	if len(streamToken) > 0 {
		body = protocol.Record(litFldToken, streamToken)
	}
	return protocol.Record(litFrameHandshake, body)
}

func EncodeWriteRequest(streamToken []byte, batchID model.BatchID, mutations []model.Mutation) []byte {
	body := protocol.Record(litFldToken, streamToken)
	body = protocol.Append(body, litFldBatchID, codec.ZipInt64(int64(batchID)))
	for _, m := range mutations {
		body = codec.AppendMutation(body, m)
	}
	return protocol.Record(litFrameWrite, body)
}

// WriteAck is the server's answer to one write request.
type WriteAck struct {
	StreamToken   []byte
	BatchID       model.BatchID
	CommitVersion model.SnapshotVersion
	Results       []model.MutationResult
}

// HandshakeAck acknowledges the write stream handshake.
type HandshakeAck struct {
	StreamToken []byte
}

// WriteError is a write-stream failure scoped to the current request.
type WriteError struct {
	Err *RPCError
}

func EncodeHandshakeAck(streamToken []byte) []byte {
	return protocol.Record(litFrameHandshakeAck, protocol.Record(litFldToken, streamToken))
}

func EncodeWriteAck(ack *WriteAck) []byte {
	body := protocol.Record(litFldToken, ack.StreamToken)
	body = protocol.Append(body, litFldBatchID, codec.ZipInt64(int64(ack.BatchID)))
	body = protocol.Append(body, litFldVersion, codec.EncodeTimestamp(ack.CommitVersion.Timestamp()))
	for _, r := range ack.Results {
		var rb []byte
		rb = protocol.Record(litFldVersion, codec.EncodeTimestamp(r.Version.Timestamp()))
		for _, tv := range r.TransformResults {
			rb = protocol.Append(rb, litFldTransformed, codec.EncodeValue(tv))
		}
		body = protocol.Append(body, litFldResult, rb)
	}
	return protocol.Record(litFrameWriteAck, body)
}

func EncodeError(code ErrorCode, message string) []byte {
	body := protocol.Record(litFldCode, []byte{byte(code)})
	body = protocol.Append(body, litFldMessage, []byte(message))
	return protocol.Record(litFrameError, body)
}

func EncodeDocumentChange(dc *DocumentWatchChange) []byte {
	var body []byte
	for _, id := range dc.UpdatedTargetIDs {
		body = protocol.Append(body, litFldUpdated, codec.ZipInt64(int64(id)))
	}
	for _, id := range dc.RemovedTargetIDs {
		body = protocol.Append(body, litFldRemoved, codec.ZipInt64(int64(id)))
	}
	body = protocol.Append(body, litFldPath, []byte(dc.Key.String()))
	if dc.NewDocument != nil {
		body = protocol.Append(body, litFldDocument, codec.EncodeDocument(dc.NewDocument))
	}
	return protocol.Record(litFrameDocChange, body)
}

func EncodeTargetChange(tc *WatchTargetChange) []byte {
	body := protocol.Record(litFldState, []byte{byte(tc.State)})
	for _, id := range tc.TargetIDs {
		body = protocol.Append(body, litFldTargetID, codec.ZipInt64(int64(id)))
	}
	if len(tc.ResumeToken) > 0 {
		body = protocol.Append(body, litFldToken, tc.ResumeToken)
	}
	if !tc.ReadTime.IsZero() {
		body = protocol.Append(body, litFldVersion, codec.EncodeTimestamp(tc.ReadTime.Timestamp()))
	}
	if rpcErr, ok := tc.Cause.(*RPCError); ok {
		body = protocol.Append(body, litFldCode, []byte{byte(rpcErr.Code)})
		body = protocol.Append(body, litFldMessage, []byte(rpcErr.Message))
	}
	return protocol.Record(litFrameTargetChange, body)
}

func EncodeExistenceFilter(efc *ExistenceFilterWatchChange, bits []byte, padding, hashCount int) []byte {
	body := protocol.Record(litFldTargetID, codec.ZipInt64(int64(efc.TargetID)))
	body = protocol.Append(body, litFldCount, codec.ZipInt64(int64(efc.Count)))
	if bits != nil {
		body = protocol.Append(body, litFldBloomShape, []byte{byte(padding), byte(hashCount)})
		body = protocol.Append(body, litFldBloomBits, bits)
	}
	return protocol.Record(litFrameFilter, body)
}

// ListenFrame is a decoded server-to-client listen record: either a
// WatchChange or a terminal error.
type ListenFrame struct {
	Change WatchChange
	Err    *RPCError
}

func DecodeListenFrame(rec []byte) (*ListenFrame, error) {
	lit, body, rest, err := protocol.TakeAnyWary(rec)
	if err != nil || len(rest) != 0 {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	switch lit {
	case litFrameDocChange:
		dc, err := decodeDocumentChange(body)
		if err != nil {
			return nil, err
		}
		return &ListenFrame{Change: dc}, nil
	case litFrameTargetChange:
		tc, err := decodeTargetChange(body)
		if err != nil {
			return nil, err
		}
		return &ListenFrame{Change: tc}, nil
	case litFrameFilter:
		efc, err := decodeExistenceFilter(body)
		if err != nil {
			return nil, err
		}
		return &ListenFrame{Change: efc}, nil
	case litFrameError:
		return &ListenFrame{Err: decodeError(body)}, nil
	default:
		return nil, fmt.Errorf("%w: listen lit %c", ErrBadFrame, lit)
	}
}

// WriteFrame is a decoded server-to-client write record.
type WriteFrame struct {
	HandshakeAck *HandshakeAck
	Ack          *WriteAck
	Err          *RPCError
}

func DecodeWriteFrame(rec []byte) (*WriteFrame, error) {
	lit, body, rest, err := protocol.TakeAnyWary(rec)
	if err != nil || len(rest) != 0 {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	switch lit {
	case litFrameHandshakeAck:
		token, _, err := protocol.TakeWary(litFldToken, body)
		if err != nil {
			return nil, fmt.Errorf("%w: handshake ack", ErrBadFrame)
		}
		return &WriteFrame{HandshakeAck: &HandshakeAck{StreamToken: append([]byte(nil), token...)}}, nil
	case litFrameWriteAck:
		ack, err := decodeWriteAck(body)
		if err != nil {
			return nil, err
		}
		return &WriteFrame{Ack: ack}, nil
	case litFrameError:
		return &WriteFrame{Err: decodeError(body)}, nil
	default:
		return nil, fmt.Errorf("%w: write lit %c", ErrBadFrame, lit)
	}
}

func decodeError(body []byte) *RPCError {
	out := &RPCError{Code: CodeUnknown}
	rest := body
	for len(rest) > 0 {
		lit, fb, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			break
		}
		rest = r
		switch lit {
		case litFldCode:
			if len(fb) == 1 {
				out.Code = ErrorCode(fb[0])
			}
		case litFldMessage:
			out.Message = string(fb)
		}
	}
	return out
}

func decodeDocumentChange(body []byte) (*DocumentWatchChange, error) {
	dc := &DocumentWatchChange{}
	rest := body
	for len(rest) > 0 {
		lit, fb, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		rest = r
		switch lit {
		case litFldUpdated:
			dc.UpdatedTargetIDs = append(dc.UpdatedTargetIDs, query.TargetID(codec.UnzipInt64(fb)))
		case litFldRemoved:
			dc.RemovedTargetIDs = append(dc.RemovedTargetIDs, query.TargetID(codec.UnzipInt64(fb)))
		case litFldPath:
			dc.Key = model.DocumentKeyFromString(string(fb))
		case litFldDocument:
			doc, err := codec.DecodeDocument(fb)
			if err != nil {
				return nil, err
			}
			dc.NewDocument = doc
			dc.Key = doc.Key
		default:
			return nil, fmt.Errorf("%w: document change lit %c", ErrBadFrame, lit)
		}
	}
	return dc, nil
}

func decodeTargetChange(body []byte) (*WatchTargetChange, error) {
	tc := &WatchTargetChange{}
	var code *ErrorCode
	var message string
	rest := body
	for len(rest) > 0 {
		lit, fb, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		rest = r
		switch lit {
		case litFldState:
			if len(fb) != 1 {
				return nil, fmt.Errorf("%w: target change state", ErrBadFrame)
			}
			tc.State = WatchTargetChangeState(fb[0])
		case litFldTargetID:
			tc.TargetIDs = append(tc.TargetIDs, query.TargetID(codec.UnzipInt64(fb)))
		case litFldToken:
			tc.ResumeToken = append([]byte(nil), fb...)
		case litFldVersion:
			tc.ReadTime = model.SnapshotVersion(codec.DecodeTimestamp(fb))
		case litFldCode:
			if len(fb) == 1 {
				c := ErrorCode(fb[0])
				code = &c
			}
		case litFldMessage:
			message = string(fb)
		default:
			return nil, fmt.Errorf("%w: target change lit %c", ErrBadFrame, lit)
		}
	}
	if code != nil {
		tc.Cause = &RPCError{Code: *code, Message: message}
	}
	return tc, nil
}

func decodeExistenceFilter(body []byte) (*ExistenceFilterWatchChange, error) {
	efc := &ExistenceFilterWatchChange{}
	var shape []byte
	var bits []byte
	haveBits := false
	rest := body
	for len(rest) > 0 {
		lit, fb, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		rest = r
		switch lit {
		case litFldTargetID:
			efc.TargetID = query.TargetID(codec.UnzipInt64(fb))
		case litFldCount:
			efc.Count = int(codec.UnzipInt64(fb))
		case litFldBloomShape:
			shape = fb
		case litFldBloomBits:
			bits = append([]byte(nil), fb...)
			haveBits = true
		default:
			return nil, fmt.Errorf("%w: filter lit %c", ErrBadFrame, lit)
		}
	}
	if haveBits {
		if len(shape) != 2 {
			return nil, fmt.Errorf("%w: bloom shape", ErrBadFrame)
		}
		filter, err := NewBloomFilter(bits, int(shape[0]), int(shape[1]))
		if err != nil {
			return nil, err
		}
		efc.Filter = filter
	}
	return efc, nil
}

func decodeWriteAck(body []byte) (*WriteAck, error) {
	ack := &WriteAck{}
	rest := body
	for len(rest) > 0 {
		lit, fb, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		rest = r
		switch lit {
		case litFldToken:
			ack.StreamToken = append([]byte(nil), fb...)
		case litFldBatchID:
			ack.BatchID = model.BatchID(codec.UnzipInt64(fb))
		case litFldVersion:
			ack.CommitVersion = model.SnapshotVersion(codec.DecodeTimestamp(fb))
		case litFldResult:
			res, err := decodeMutationResult(fb)
			if err != nil {
				return nil, err
			}
			ack.Results = append(ack.Results, res)
		default:
			return nil, fmt.Errorf("%w: write ack lit %c", ErrBadFrame, lit)
		}
	}
	return ack, nil
}

func decodeMutationResult(body []byte) (model.MutationResult, error) {
	var res model.MutationResult
	vb, rest, err := protocol.TakeWary(litFldVersion, body)
	if err != nil {
		return res, fmt.Errorf("%w: mutation result", ErrBadFrame)
	}
	res.Version = model.SnapshotVersion(codec.DecodeTimestamp(vb))
	for len(rest) > 0 {
		tb, r, err := protocol.TakeWary(litFldTransformed, rest)
		if err != nil {
			return res, fmt.Errorf("%w: transform result", ErrBadFrame)
		}
		v, err := codec.DecodeValue(tb)
		if err != nil {
			return res, err
		}
		res.TransformResults = append(res.TransformResults, v)
		rest = r
	}
	return res, nil
}

// DecodeAddTarget and DecodeRemoveTarget parse client frames, used by
// the in-process test backend.
func DecodeAddTarget(rec []byte) (*query.TargetData, error) {
	body, rest, err := protocol.TakeWary(litFrameAddTarget, rec)
	if err != nil || len(rest) != 0 {
		return nil, fmt.Errorf("%w: add target", ErrBadFrame)
	}
	idBody, body, err := protocol.TakeWary(litFldTargetID, body)
	if err != nil {
		return nil, fmt.Errorf("%w: add target id", ErrBadFrame)
	}
	td := &query.TargetData{TargetID: query.TargetID(codec.UnzipInt64(idBody))}
	if len(body) > 0 && protocol.Lit(body) == litFldToken {
		var token []byte
		token, body = protocol.Take(litFldToken, body)
		td.ResumeToken = append([]byte(nil), token...)
	}
	target, err := codec.DecodeTarget(body)
	if err != nil {
		return nil, err
	}
	td.Target = target
	return td, nil
}

func DecodeRemoveTarget(rec []byte) (query.TargetID, error) {
	body, rest, err := protocol.TakeWary(litFrameRemoveTarget, rec)
	if err != nil || len(rest) != 0 {
		return 0, fmt.Errorf("%w: remove target", ErrBadFrame)
	}
	idBody, _, err := protocol.TakeWary(litFldTargetID, body)
	if err != nil {
		return 0, fmt.Errorf("%w: remove target id", ErrBadFrame)
	}
	return query.TargetID(codec.UnzipInt64(idBody)), nil
}

// DecodeWriteRequest parses a client write frame.
func DecodeWriteRequest(rec []byte) (streamToken []byte, batchID model.BatchID, mutations []model.Mutation, err error) {
	var body, rest []byte
	body, rest, err = protocol.TakeWary(litFrameWrite, rec)
	if err != nil || len(rest) != 0 {
		return nil, 0, nil, fmt.Errorf("%w: write request", ErrBadFrame)
	}
	streamToken, body, err = protocol.TakeWary(litFldToken, body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: write token", ErrBadFrame)
	}
	var idBody []byte
	idBody, body, err = protocol.TakeWary(litFldBatchID, body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: write batch id", ErrBadFrame)
	}
	batchID = model.BatchID(codec.UnzipInt64(idBody))
	for len(body) > 0 {
		var m model.Mutation
		m, body, err = codec.TakeMutation(body)
		if err != nil {
			return nil, 0, nil, err
		}
		mutations = append(mutations, m)
	}
	return append([]byte(nil), streamToken...), batchID, mutations, nil
}

// DecodeHandshake parses a client handshake frame.
func DecodeHandshake(rec []byte) ([]byte, error) {
	body, rest, err := protocol.TakeWary(litFrameHandshake, rec)
	if err != nil || len(rest) != 0 {
		return nil, fmt.Errorf("%w: handshake", ErrBadFrame)
	}
	if len(body) == 0 {
		return nil, nil
	}
	token, _, err := protocol.TakeWary(litFldToken, body)
	if err != nil {
		return nil, fmt.Errorf("%w: handshake token", ErrBadFrame)
	}
	return append([]byte(nil), token...), nil
}

// FrameLit exposes the top-level lit for routing multiplexed records.
func FrameLit(rec []byte) byte { return protocol.Lit(rec) }
