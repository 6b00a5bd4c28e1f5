package local

import (
	"encoding/binary"

	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
)

// Keyspace prefixes. Every key starts with one prefix byte; composite
// keys separate variable-length parts with 0x00, which neither user
// ids nor document paths contain.
const (
	kspDocument      = 'd' // d <path>                      -> document record
	kspBatch         = 'm' // m <uid> 00 <batch>            -> batch record
	kspBatchDocIndex = 'k' // k <uid> 00 <path> 00 <batch>  -> empty
	kspOverlay       = 'o' // o <uid> 00 <path>             -> overlay record
	kspOverlayBatch  = 'p' // p <uid> 00 <batch> <path>     -> empty
	kspTarget        = 't' // t <target>                    -> target data record
	kspTargetQuery   = 'q' // q <canonical id>              -> target id
	kspTargetDoc     = 'r' // r <target> <path>             -> empty
	kspDocTarget     = 's' // s <path> 00 <target>          -> empty
	kspGlobal        = 'g' // g <name>                      -> value
)

const keySep = 0x00

// prefixEnd is the smallest key sorting after every key that starts
// with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // unbounded
}

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func documentKey(key model.DocumentKey) []byte {
	return append([]byte{kspDocument}, key.String()...)
}

// documentPrefix bounds a scan over everything at or under path.
func documentPrefix(path model.ResourcePath) (lo, hi []byte) {
	lo = append([]byte{kspDocument}, path.String()...)
	lo = append(lo, '/')
	hi = prefixEnd(lo)
	return
}

func batchKey(uid string, id model.BatchID) []byte {
	k := append([]byte{kspBatch}, uid...)
	k = append(k, keySep)
	return append(k, be32(uint32(id))...)
}

func batchPrefix(uid string) (lo, hi []byte) {
	lo = append([]byte{kspBatch}, uid...)
	lo = append(lo, keySep)
	hi = prefixEnd(lo)
	return
}

func batchDocIndexKey(uid string, key model.DocumentKey, id model.BatchID) []byte {
	k := append([]byte{kspBatchDocIndex}, uid...)
	k = append(k, keySep)
	k = append(k, key.String()...)
	k = append(k, keySep)
	return append(k, be32(uint32(id))...)
}

func batchDocIndexPrefix(uid string, key model.DocumentKey) (lo, hi []byte) {
	lo = append([]byte{kspBatchDocIndex}, uid...)
	lo = append(lo, keySep)
	lo = append(lo, key.String()...)
	lo = append(lo, keySep)
	hi = prefixEnd(lo)
	return
}

// batchIDFromIndexKey reads the trailing big-endian batch id.
func batchIDFromIndexKey(k []byte) model.BatchID {
	return model.BatchID(binary.BigEndian.Uint32(k[len(k)-4:]))
}

func overlayKey(uid string, key model.DocumentKey) []byte {
	k := append([]byte{kspOverlay}, uid...)
	k = append(k, keySep)
	return append(k, key.String()...)
}

func overlayPrefix(uid string, collection model.ResourcePath) (lo, hi []byte) {
	lo = append([]byte{kspOverlay}, uid...)
	lo = append(lo, keySep)
	lo = append(lo, collection.String()...)
	lo = append(lo, '/')
	hi = prefixEnd(lo)
	return
}

func overlayBatchKey(uid string, id model.BatchID, key model.DocumentKey) []byte {
	k := append([]byte{kspOverlayBatch}, uid...)
	k = append(k, keySep)
	k = append(k, be32(uint32(id))...)
	return append(k, key.String()...)
}

func overlayBatchPrefix(uid string, id model.BatchID) (lo, hi []byte) {
	lo = append([]byte{kspOverlayBatch}, uid...)
	lo = append(lo, keySep)
	lo = append(lo, be32(uint32(id))...)
	hi = prefixEnd(lo)
	return
}

func targetKey(id query.TargetID) []byte {
	return append([]byte{kspTarget}, be32(uint32(id))...)
}

func targetQueryKey(canonicalID string) []byte {
	return append([]byte{kspTargetQuery}, canonicalID...)
}

func targetDocKey(id query.TargetID, key model.DocumentKey) []byte {
	k := append([]byte{kspTargetDoc}, be32(uint32(id))...)
	return append(k, key.String()...)
}

func targetDocPrefix(id query.TargetID) (lo, hi []byte) {
	lo = append([]byte{kspTargetDoc}, be32(uint32(id))...)
	hi = prefixEnd(lo)
	return
}

func docTargetKey(key model.DocumentKey, id query.TargetID) []byte {
	k := append([]byte{kspDocTarget}, key.String()...)
	k = append(k, keySep)
	return append(k, be32(uint32(id))...)
}

func docTargetPrefix(key model.DocumentKey) (lo, hi []byte) {
	lo = append([]byte{kspDocTarget}, key.String()...)
	lo = append(lo, keySep)
	hi = prefixEnd(lo)
	return
}

func globalKey(name string) []byte {
	return append([]byte{kspGlobal}, name...)
}

// Global value names.
const (
	globalHighestTargetID    = "highest_target_id"
	globalHighestSequence    = "highest_sequence_number"
	globalLastRemoteSnapshot = "last_remote_snapshot"
	globalPrimaryLease       = "primary_lease"
	globalHighestBatch       = "highest_batch_id"
	globalLastStreamToken    = "last_stream_token"
)
