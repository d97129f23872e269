package sofa

import "github.com/jinzhu/copier"

// Reserved document fields managed by the store.
const (
	FieldID      = "_id"
	FieldRev     = "_rev"
	FieldDeleted = "_deleted"
)

// M is a free-form JSON mapping, used for selector queries and request payloads.
type M map[string]interface{}

// Document is a schemaless record as stored: string keys, JSON-compatible
// values, plus the reserved identifier, revision and deletion fields.
type Document map[string]interface{}

func (d Document) ID() string {
	v, ok := d[FieldID].(string)
	if !ok {
		return ""
	}
	return v
}

func (d Document) Rev() string {
	v, ok := d[FieldRev].(string)
	if !ok {
		return ""
	}
	return v
}

func (d Document) Deleted() bool {
	v, ok := d[FieldDeleted].(bool)
	if !ok {
		return false
	}
	return v
}

func (d Document) SetID(id string) {
	d[FieldID] = id
}

func (d Document) SetRev(rev string) {
	d[FieldRev] = rev
}

func (d Document) String(k string) string {
	v, ok := d[k].(string)
	if !ok {
		return ""
	}
	return v
}

func (d Document) HasString(k string) bool {
	_, ok := d[k].(string)
	return ok
}

func (d Document) Float(k string) float64 {
	v, ok := d[k].(float64)
	if !ok {
		return 0
	}
	return v
}

func (d Document) HasFloat(k string) bool {
	_, ok := d[k].(float64)
	return ok
}

func (d Document) Bool(k string) bool {
	v, ok := d[k].(bool)
	if !ok {
		return false
	}
	return v
}

func (d Document) HasBool(k string) bool {
	_, ok := d[k].(bool)
	return ok
}

// Clone returns a deep copy so that merges never mutate the original.
func (d Document) Clone() Document {
	cp := make(Document, len(d))
	if err := copier.CopyWithOption(&cp, d, copier.Option{DeepCopy: true}); err != nil {
		panic("could not copy document: " + err.Error())
	}
	return cp
}
