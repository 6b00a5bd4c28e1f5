package local

import (
	"github.com/driftdb/driftdb/codec"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/protocol"
)

// DocumentOverlayCache stores, per document, the single mutation that
// condenses every pending batch touching it, keyed by the largest
// contributing batch id. Reads then cost one lookup instead of a
// queue replay.
type DocumentOverlayCache struct {
	uid string
}

func NewDocumentOverlayCache(uid string) *DocumentOverlayCache {
	return &DocumentOverlayCache{uid: uid}
}

const litOverlayBatchID = 'N'

func encodeOverlay(o model.Overlay) []byte {
	buf := protocol.Append(nil, litOverlayBatchID, codec.ZipInt64(int64(o.LargestBatchID)))
	return codec.AppendMutation(buf, o.Mutation)
}

func decodeOverlay(data []byte) (model.Overlay, error) {
	var o model.Overlay
	body, rest, err := protocol.TakeWary(litOverlayBatchID, data)
	if err != nil {
		return o, err
	}
	o.LargestBatchID = model.BatchID(codec.UnzipInt64(body))
	o.Mutation, err = codec.DecodeMutation(rest)
	return o, err
}

// GetOverlay returns nil when the document has no pending overlay.
func (c *DocumentOverlayCache) GetOverlay(tx Transaction, key model.DocumentKey) (*model.Overlay, error) {
	v, err := tx.Get(overlayKey(c.uid, key))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o, err := decodeOverlay(v)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// SaveOverlays replaces each document's overlay; a nil mutation clears
// it. The batch index keeps RemoveOverlaysForBatchID cheap.
func (c *DocumentOverlayCache) SaveOverlays(tx Transaction, largestBatchID model.BatchID, overlays map[model.DocumentKey]*model.Mutation) error {
	for key, m := range overlays {
		prev, err := c.GetOverlay(tx, key)
		if err != nil {
			return err
		}
		if prev != nil {
			if err := tx.Delete(overlayBatchKey(c.uid, prev.LargestBatchID, key)); err != nil {
				return err
			}
		}
		if m == nil {
			if err := tx.Delete(overlayKey(c.uid, key)); err != nil {
				return err
			}
			continue
		}
		o := model.Overlay{LargestBatchID: largestBatchID, Mutation: *m}
		if err := tx.Set(overlayKey(c.uid, key), encodeOverlay(o)); err != nil {
			return err
		}
		if err := tx.Set(overlayBatchKey(c.uid, largestBatchID, key), nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOverlaysForBatchID clears the overlays owned by one
// acknowledged or rejected batch and returns the affected keys, which
// need recalculation against the remaining queue.
func (c *DocumentOverlayCache) RemoveOverlaysForBatchID(tx Transaction, id model.BatchID) (model.DocumentKeySet, error) {
	lo, hi := overlayBatchPrefix(c.uid, id)
	it, err := tx.NewIter(lo, hi)
	if err != nil {
		return nil, err
	}
	prefixLen := len(lo)
	keys := model.DocumentKeySet{}
	for it.First(); it.Valid(); it.Next() {
		keys.Add(model.DocumentKeyFromString(string(it.Key()[prefixLen:])))
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	for key := range keys {
		if err := tx.Delete(overlayKey(c.uid, key)); err != nil {
			return nil, err
		}
		if err := tx.Delete(overlayBatchKey(c.uid, id, key)); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// GetOverlaysForCollection lists the overlays of one collection with
// largest batch id greater than sinceBatchID.
func (c *DocumentOverlayCache) GetOverlaysForCollection(tx Transaction, collection model.ResourcePath, sinceBatchID model.BatchID) (model.OverlayMap, error) {
	lo, hi := overlayPrefix(c.uid, collection)
	it, err := tx.NewIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	prefixLen := len([]byte{kspOverlay}) + len(c.uid) + 1
	out := model.OverlayMap{}
	for it.First(); it.Valid(); it.Next() {
		key := model.DocumentKeyFromString(string(it.Key()[prefixLen:]))
		if len(key.Path()) != len(collection)+1 {
			continue
		}
		o, err := decodeOverlay(it.Value())
		if err != nil {
			return nil, err
		}
		if o.LargestBatchID <= sinceBatchID {
			continue
		}
		out[key] = o
	}
	return out, nil
}
