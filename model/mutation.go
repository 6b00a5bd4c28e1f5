package model

// Precondition gates a mutation on server state. The zero value is the
// empty precondition, which always holds.
type Precondition struct {
	Exists     *bool
	UpdateTime *SnapshotVersion
}

func PreconditionNone() Precondition { return Precondition{} }

func PreconditionExists(exists bool) Precondition {
	return Precondition{Exists: &exists}
}

func PreconditionUpdateTime(version SnapshotVersion) Precondition {
	return Precondition{UpdateTime: &version}
}

func (p Precondition) IsNone() bool {
	return p.Exists == nil && p.UpdateTime == nil
}

// IsValidFor evaluates the precondition against a locally known
// document. A mismatch here only skips local apply; the authoritative
// check happens server-side and surfaces as a batch rejection.
func (p Precondition) IsValidFor(doc *Document) bool {
	if p.UpdateTime != nil {
		return doc.IsFoundDocument() && doc.Version == *p.UpdateTime
	}
	if p.Exists != nil {
		return doc.IsFoundDocument() == *p.Exists
	}
	return true
}

// TransformKind tags the closed union of field transform variants.
type TransformKind byte

const (
	TransformServerTimestamp TransformKind = iota
	TransformArrayUnion
	TransformArrayRemove
	TransformIncrement
)

// FieldTransform is one server-resolved operation on one field. Locally
// it is approximated against the last known value; the server result
// replaces the approximation on acknowledgment.
type FieldTransform struct {
	Kind     TransformKind
	Field    FieldPath
	Elements []Value // ArrayUnion, ArrayRemove
	Operand  Value   // Increment
}

func ServerTimestampTransform(field FieldPath) FieldTransform {
	return FieldTransform{Kind: TransformServerTimestamp, Field: field}
}

func ArrayUnionTransform(field FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Kind: TransformArrayUnion, Field: field, Elements: elements}
}

func ArrayRemoveTransform(field FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Kind: TransformArrayRemove, Field: field, Elements: elements}
}

func IncrementTransform(field FieldPath, operand Value) FieldTransform {
	if !operand.IsNumber() {
		panic("driftdb: increment operand must be a number")
	}
	return FieldTransform{Kind: TransformIncrement, Field: field, Operand: operand}
}

// applyLocal computes the provisional local value of the transform.
func (t FieldTransform) applyLocal(previous *Value, localWriteTime Timestamp) Value {
	switch t.Kind {
	case TransformServerTimestamp:
		return ServerTimestampValue(localWriteTime, previous)
	case TransformArrayUnion:
		return applyArrayUnion(previous, t.Elements)
	case TransformArrayRemove:
		return applyArrayRemove(previous, t.Elements)
	case TransformIncrement:
		return applyIncrement(previous, t.Operand)
	default:
		panic("driftdb: transform kind out of range")
	}
}

func applyArrayUnion(previous *Value, elements []Value) Value {
	base := coerceArray(previous)
	for _, e := range elements {
		found := false
		for _, existing := range base {
			if ValuesEqual(existing, e) {
				found = true
				break
			}
		}
		if !found {
			base = append(base, e)
		}
	}
	return ArrayValue(base...)
}

func applyArrayRemove(previous *Value, elements []Value) Value {
	base := coerceArray(previous)
	out := base[:0:0]
	for _, existing := range base {
		keep := true
		for _, e := range elements {
			if ValuesEqual(existing, e) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, existing)
		}
	}
	return ArrayValue(out...)
}

func coerceArray(previous *Value) []Value {
	if previous == nil || previous.Kind != ArrayKind {
		return nil
	}
	return append([]Value(nil), previous.Array...)
}

// applyIncrement adds the operand to the previous numeric value; any
// non-number base counts as zero, i.e. the field becomes the operand.
func applyIncrement(previous *Value, operand Value) Value {
	if previous != nil && previous.Kind == IntegerKind && operand.Kind == IntegerKind {
		sum := previous.Integer + operand.Integer
		// clamp on overflow, matching the backend
		if (operand.Integer > 0 && sum < previous.Integer) ||
			(operand.Integer < 0 && sum > previous.Integer) {
			if operand.Integer > 0 {
				return IntegerValue(1<<63 - 1)
			}
			return IntegerValue(-1 << 63)
		}
		return IntegerValue(sum)
	}
	if previous != nil && previous.IsNumber() {
		return DoubleValue(previous.AsDouble() + operand.AsDouble())
	}
	return operand
}

// MutationKind tags the closed union of mutation variants.
type MutationKind byte

const (
	MutationSet MutationKind = iota
	MutationPatch
	MutationDelete
	MutationVerify
)

// Mutation is one atomic intended change to one document.
type Mutation struct {
	Kind         MutationKind
	Key          DocumentKey
	Value        ObjectValue // Set
	Data         ObjectValue // Patch
	Mask         FieldMask   // Patch
	Transforms   []FieldTransform
	Precondition Precondition
}

func NewSetMutation(key DocumentKey, value ObjectValue, transforms ...FieldTransform) Mutation {
	return Mutation{Kind: MutationSet, Key: key, Value: value, Transforms: transforms}
}

func NewPatchMutation(key DocumentKey, data ObjectValue, mask FieldMask, precondition Precondition, transforms ...FieldTransform) Mutation {
	return Mutation{
		Kind:         MutationPatch,
		Key:          key,
		Data:         data,
		Mask:         mask,
		Precondition: precondition,
		Transforms:   transforms,
	}
}

func NewDeleteMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{Kind: MutationDelete, Key: key, Precondition: precondition}
}

func NewVerifyMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{Kind: MutationVerify, Key: key, Precondition: precondition}
}

// FieldMaskForLocalApply is the set of fields this mutation changes, or
// nil when it replaces the whole document.
func (m Mutation) FieldMaskForLocalApply() *FieldMask {
	if m.Kind != MutationPatch {
		return nil
	}
	paths := append([]FieldPath(nil), m.Mask.Paths()...)
	for _, t := range m.Transforms {
		paths = append(paths, t.Field)
	}
	mask := NewFieldMask(paths...)
	return &mask
}

// MutationResult carries the server's answer for one mutation within an
// acknowledged batch.
type MutationResult struct {
	Version          SnapshotVersion
	TransformResults []Value
}

// ApplyToRemoteDocument folds an acknowledged mutation into the cached
// document using the server-resolved transform results.
func (m Mutation) ApplyToRemoteDocument(doc *Document, result MutationResult) {
	if doc.Key != m.Key {
		panic("driftdb: mutation key " + m.Key.String() + " applied to document " + doc.Key.String())
	}
	switch m.Kind {
	case MutationSet:
		value := m.Value.Clone()
		m.applyTransformResults(&value, doc, result.TransformResults)
		doc.ConvertToFoundDocument(result.Version, value).SetHasCommittedMutations()
	case MutationPatch:
		if !m.Precondition.IsValidFor(doc) {
			// the server rejected or could not verify our base state;
			// contents at this version are unknowable
			doc.ConvertToUnknownDocument(result.Version)
			return
		}
		value := m.patchDocument(doc)
		m.applyTransformResults(&value, doc, result.TransformResults)
		doc.ConvertToFoundDocument(result.Version, value).SetHasCommittedMutations()
	case MutationDelete:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	case MutationVerify:
		// verify only asserts a precondition, it changes nothing
	default:
		panic("driftdb: mutation kind out of range")
	}
}

// ApplyToLocalView folds the mutation into the local view of the
// document. previousMask accumulates the fields changed by earlier
// mutations of the same batch chain; nil means "all fields".
// Local apply is optimistic: a failed precondition skips the apply
// without error, the authoritative failure arrives as a rejection.
func (m Mutation) ApplyToLocalView(doc *Document, previousMask *FieldMask, localWriteTime Timestamp) *FieldMask {
	if doc.Key != m.Key {
		panic("driftdb: mutation key " + m.Key.String() + " applied to document " + doc.Key.String())
	}
	if !m.Precondition.IsValidFor(doc) {
		return previousMask
	}
	switch m.Kind {
	case MutationSet:
		value := m.Value.Clone()
		m.applyLocalTransforms(&value, doc, localWriteTime)
		doc.ConvertToFoundDocument(postMutationVersion(doc), value).SetHasLocalMutations()
		return nil
	case MutationPatch:
		value := m.patchDocument(doc)
		m.applyLocalTransforms(&value, doc, localWriteTime)
		doc.ConvertToFoundDocument(postMutationVersion(doc), value).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		paths := append([]FieldPath(nil), previousMask.Paths()...)
		paths = append(paths, m.Mask.Paths()...)
		for _, t := range m.Transforms {
			paths = append(paths, t.Field)
		}
		mask := NewFieldMask(paths...)
		return &mask
	case MutationDelete:
		doc.ConvertToNoDocument(postMutationVersion(doc)).SetHasLocalMutations()
		return nil
	case MutationVerify:
		return previousMask
	default:
		panic("driftdb: mutation kind out of range")
	}
}

// patchDocument overlays the patch's masked fields onto the document's
// current data.
func (m Mutation) patchDocument(doc *Document) ObjectValue {
	value := doc.Data.Clone()
	for _, path := range m.Mask.Paths() {
		if newValue := m.Data.Field(path); newValue != nil {
			value.Set(path, newValue.Clone())
		} else {
			value.Delete(path)
		}
	}
	return value
}

func (m Mutation) applyLocalTransforms(value *ObjectValue, doc *Document, localWriteTime Timestamp) {
	for _, t := range m.Transforms {
		previous := value.Field(t.Field)
		value.Set(t.Field, t.applyLocal(previous, localWriteTime))
	}
}

func (m Mutation) applyTransformResults(value *ObjectValue, doc *Document, results []Value) {
	if len(results) == 0 {
		return
	}
	if len(results) != len(m.Transforms) {
		panic("driftdb: transform result count does not match transform count")
	}
	for i, t := range m.Transforms {
		value.Set(t.Field, results[i])
	}
}

// postMutationVersion keeps the version of a found base document so a
// later remote event at that version is still recognized; anything else
// resets to the unknown version.
func postMutationVersion(doc *Document) SnapshotVersion {
	if doc.IsFoundDocument() {
		return doc.Version
	}
	return VersionZero
}
