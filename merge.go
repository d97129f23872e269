package sofa

// MergePolicy reconciles a rejected conditional write. It receives the
// currently stored document and the caller's document and returns the
// document to retry with. The retry control flow in Upsert owns the
// identifier and revision of the result; a policy only decides field values.
type MergePolicy func(current, ours Document) Document

// LastWriterWins merges field by field: every field present in the caller's
// document overwrites the stored value, fields only the store knows survive.
// Neither input is mutated.
func LastWriterWins(current, ours Document) Document {
	merged := current.Clone()
	for k, v := range ours {
		merged[k] = v
	}
	return merged
}
