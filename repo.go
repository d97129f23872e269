package sofa

import (
	"context"
	"reflect"

	"github.com/google/uuid"
)

// Model is the embeddable base for persisted model types. A zero Model is
// transient: the first save routes through Insert and the store assigns the
// identifier. NewModel assigns a client-side identifier up front instead.
// Deleted mirrors the tombstone flag, so a deleted instance saves back as a
// tombstone instead of quietly coming back to life.
type Model struct {
	ID      string `sofa:"_id"`
	Rev     string `sofa:"_rev"`
	Deleted bool   `sofa:"_deleted"`
}

// NewModel returns a Model carrying a fresh client-assigned identifier.
func NewModel() Model {
	return Model{ID: uuid.NewString()}
}

// Repository gives typed access to a database by composing the marshaller
// with a Client. Absence propagates the way the Client reports it: a nil
// instance with a nil error. Errors are reserved for schema and conversion
// failures, which indicate programming errors and are never swallowed.
type Repository[T any] struct {
	c *Client
}

func NewRepository[T any](c *Client) *Repository[T] {
	return &Repository[T]{c: c}
}

// Load fetches the document stored under id and deserializes it, or returns
// nil when the document is absent.
func (r *Repository[T]) Load(ctx context.Context, id string) (*T, error) {
	doc := r.c.Retrieve(ctx, id)
	if doc == nil {
		return nil, nil
	}

	out := new(T)
	if err := Deserialize(doc, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Save persists m and copies the stored identifier and revision back onto
// it. An unresolved write conflict yields nil.
func (r *Repository[T]) Save(ctx context.Context, m *T) (*T, error) {
	doc, err := Serialize(m)
	if err != nil {
		return nil, err
	}

	stored := r.c.Upsert(ctx, doc)
	if stored == nil {
		return nil, nil
	}

	if err := assignIdentity(m, stored); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete tombstones m through the regular write path and advances its
// revision. The deletion flag is copied back along with the new revision.
func (r *Repository[T]) Delete(ctx context.Context, m *T) (*T, error) {
	doc, err := Serialize(m)
	if err != nil {
		return nil, err
	}

	stored := r.c.Delete(ctx, doc)
	if stored == nil {
		return nil, nil
	}

	if err := assignIdentity(m, stored); err != nil {
		return nil, err
	}
	return m, nil
}

// Find deserializes every document matching the selector.
func (r *Repository[T]) Find(ctx context.Context, selector M) ([]*T, error) {
	docs := r.c.Find(ctx, selector, nil)

	out := make([]*T, 0, len(docs))
	for _, doc := range docs {
		m := new(T)
		if err := Deserialize(doc, m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// FindFirst returns the first match of the selector, or nil.
func (r *Repository[T]) FindFirst(ctx context.Context, selector M) (*T, error) {
	doc := r.c.FindFirst(ctx, selector, nil)
	if doc == nil {
		return nil, nil
	}

	m := new(T)
	if err := Deserialize(doc, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Dict serializes m without touching the store.
func (r *Repository[T]) Dict(m *T) (Document, error) {
	return Serialize(m)
}

// assignIdentity writes the stored reserved fields back onto the model:
// identifier, revision and the tombstone flag.
func assignIdentity(m interface{}, stored Document) error {
	sch, err := SchemaOf(m)
	if err != nil {
		return err
	}

	rv := reflect.ValueOf(m)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}

	for _, f := range sch.fields {
		switch f.name {
		case FieldID:
			rv.FieldByIndex(f.index).SetString(stored.ID())
		case FieldRev:
			rv.FieldByIndex(f.index).SetString(stored.Rev())
		case FieldDeleted:
			if f.spec.kind == KindBool {
				rv.FieldByIndex(f.index).SetBool(stored.Deleted())
			}
		}
	}
	return nil
}
