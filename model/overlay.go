package model

// Overlay caches the net effect of all unacknowledged batches touching
// one document as a single synthesized mutation, keyed by the largest
// batch id contributing to it. Re-reads then fold one mutation instead
// of the whole batch history.
type Overlay struct {
	LargestBatchID BatchID
	Mutation       Mutation
}

func (o Overlay) Key() DocumentKey { return o.Mutation.Key }

// OverlayMap maps document keys to their overlays.
type OverlayMap map[DocumentKey]Overlay

// CalculateOverlayMutation synthesizes the minimal mutation that
// reproduces doc's locally mutated state from its remote base. mask is
// the accumulated changed-field mask from folding the pending batches;
// nil means the whole document was replaced.
//
// Returns nil when the document carries no local mutations (no overlay
// row is needed) or when the mask is empty (nothing visible changed).
func CalculateOverlayMutation(doc *Document, mask *FieldMask) *Mutation {
	if !doc.HasLocalMutations() || (mask != nil && len(mask.Paths()) == 0) {
		return nil
	}
	if mask == nil {
		var m Mutation
		if doc.IsNoDocument() {
			m = NewDeleteMutation(doc.Key, PreconditionNone())
		} else {
			m = NewSetMutation(doc.Key, doc.Data.Clone())
		}
		return &m
	}

	docValue := doc.Data
	patchValue := NewObjectValue(nil)
	seen := make(map[string]struct{})
	var paths []FieldPath
	for _, path := range mask.Paths() {
		if _, dup := seen[path.String()]; dup {
			continue
		}
		value := docValue.Field(path)
		if value == nil && len(path) > 1 {
			// a parent of this path was deleted or replaced wholesale;
			// overlay the parent instead
			path = path[:len(path)-1]
			value = docValue.Field(path)
			if _, dup := seen[path.String()]; dup {
				continue
			}
		}
		if value == nil {
			patchValue.Delete(path)
		} else {
			patchValue.Set(path, value.Clone())
		}
		seen[path.String()] = struct{}{}
		paths = append(paths, path)
	}
	m := NewPatchMutation(doc.Key, patchValue, NewFieldMask(paths...), PreconditionNone())
	return &m
}
