package local

import (
	"encoding/binary"

	"github.com/driftdb/driftdb/codec"
	"github.com/driftdb/driftdb/model"
	"github.com/driftdb/driftdb/query"
)

// TargetCache persists the listen targets and their document
// memberships. Besides the per-target records it tracks the highest
// allocated target id, the highest listen sequence number and the last
// globally consistent remote snapshot version.
type TargetCache struct{}

func NewTargetCache() *TargetCache { return &TargetCache{} }

// AllocateTargetID hands out even ids ascending by two; odd ids stay
// reserved for transient sync-engine use so the two ranges never
// collide.
func (c *TargetCache) AllocateTargetID(tx Transaction) (query.TargetID, error) {
	highest, err := readGlobalInt(tx, globalHighestTargetID)
	if err != nil {
		return 0, err
	}
	id := query.TargetID(highest + 2)
	if err := writeGlobalInt(tx, globalHighestTargetID, int64(id)); err != nil {
		return 0, err
	}
	return id, nil
}

func (c *TargetCache) AddTargetData(tx Transaction, td *query.TargetData) error {
	if err := tx.Set(targetKey(td.TargetID), codec.EncodeTargetData(td)); err != nil {
		return err
	}
	if err := tx.Set(targetQueryKey(td.Target.CanonicalID()), be32(uint32(td.TargetID))); err != nil {
		return err
	}
	return c.noteSequenceNumber(tx, td.SequenceNumber)
}

func (c *TargetCache) UpdateTargetData(tx Transaction, td *query.TargetData) error {
	if err := tx.Set(targetKey(td.TargetID), codec.EncodeTargetData(td)); err != nil {
		return err
	}
	return c.noteSequenceNumber(tx, td.SequenceNumber)
}

// RemoveTargetData drops the target, its canonical-id index entry and
// all of its document links.
func (c *TargetCache) RemoveTargetData(tx Transaction, td *query.TargetData) error {
	if err := c.RemoveMatchingKeysForTarget(tx, td.TargetID); err != nil {
		return err
	}
	if err := tx.Delete(targetQueryKey(td.Target.CanonicalID())); err != nil {
		return err
	}
	return tx.Delete(targetKey(td.TargetID))
}

// GetTargetData resolves a target through the canonical-id index,
// returning nil when no live target matches. Canonical ids can
// collide in principle, so the resolved target is verified.
func (c *TargetCache) GetTargetData(tx Transaction, target *query.Target) (*query.TargetData, error) {
	v, err := tx.Get(targetQueryKey(target.CanonicalID()))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	td, err := c.GetTargetDataByID(tx, query.TargetID(binary.BigEndian.Uint32(v)))
	if err != nil || td == nil {
		return td, err
	}
	if !td.Target.Equal(target) {
		return nil, nil
	}
	return td, nil
}

func (c *TargetCache) GetTargetDataByID(tx Transaction, id query.TargetID) (*query.TargetData, error) {
	v, err := tx.Get(targetKey(id))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return codec.DecodeTargetData(v)
}

// ForEachTarget visits every persisted target, for garbage collection
// sweeps.
func (c *TargetCache) ForEachTarget(tx Transaction, fn func(td *query.TargetData) error) error {
	lo := []byte{kspTarget}
	it, err := tx.NewIter(lo, prefixEnd(lo))
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		td, err := codec.DecodeTargetData(it.Value())
		if err != nil {
			return err
		}
		if err := fn(td); err != nil {
			return err
		}
	}
	return nil
}

func (c *TargetCache) TargetCount(tx Transaction) (int, error) {
	n := 0
	err := c.ForEachTarget(tx, func(*query.TargetData) error { n++; return nil })
	return n, err
}

func (c *TargetCache) AddMatchingKeys(tx Transaction, keys []model.DocumentKey, id query.TargetID) error {
	for _, key := range keys {
		if err := tx.Set(targetDocKey(id, key), nil); err != nil {
			return err
		}
		if err := tx.Set(docTargetKey(key, id), nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *TargetCache) RemoveMatchingKeys(tx Transaction, keys []model.DocumentKey, id query.TargetID) error {
	for _, key := range keys {
		if err := tx.Delete(targetDocKey(id, key)); err != nil {
			return err
		}
		if err := tx.Delete(docTargetKey(key, id)); err != nil {
			return err
		}
	}
	return nil
}

func (c *TargetCache) RemoveMatchingKeysForTarget(tx Transaction, id query.TargetID) error {
	keys, err := c.MatchingKeys(tx, id)
	if err != nil {
		return err
	}
	return c.RemoveMatchingKeys(tx, keys.Sorted(), id)
}

func (c *TargetCache) MatchingKeys(tx Transaction, id query.TargetID) (model.DocumentKeySet, error) {
	lo, hi := targetDocPrefix(id)
	it, err := tx.NewIter(lo, hi)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	out := model.DocumentKeySet{}
	for it.First(); it.Valid(); it.Next() {
		out.Add(model.DocumentKeyFromString(string(it.Key()[5:])))
	}
	return out, nil
}

// ContainsKey reports whether any live target still references key.
func (c *TargetCache) ContainsKey(tx Transaction, key model.DocumentKey) (bool, error) {
	lo, hi := docTargetPrefix(key)
	it, err := tx.NewIter(lo, hi)
	if err != nil {
		return false, err
	}
	defer it.Close()
	return it.First(), nil
}

func (c *TargetCache) LastRemoteSnapshotVersion(tx Transaction) (model.SnapshotVersion, error) {
	v, err := tx.Get(globalKey(globalLastRemoteSnapshot))
	if err == ErrNotFound {
		return model.VersionZero, nil
	}
	if err != nil {
		return model.VersionZero, err
	}
	return model.SnapshotVersion(codec.DecodeTimestamp(v)), nil
}

func (c *TargetCache) SetLastRemoteSnapshotVersion(tx Transaction, v model.SnapshotVersion) error {
	return tx.Set(globalKey(globalLastRemoteSnapshot), codec.EncodeTimestamp(v.Timestamp()))
}

func (c *TargetCache) HighestSequenceNumber(tx Transaction) (int64, error) {
	return readGlobalInt(tx, globalHighestSequence)
}

func (c *TargetCache) noteSequenceNumber(tx Transaction, seq int64) error {
	highest, err := readGlobalInt(tx, globalHighestSequence)
	if err != nil {
		return err
	}
	if seq <= highest {
		return nil
	}
	return writeGlobalInt(tx, globalHighestSequence, seq)
}
