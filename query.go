package sofa

// defaultFindLimit is a practically unbounded cap applied when the caller
// does not limit a query.
const defaultFindLimit = 50000

// FindOptions narrows a selector query.
type FindOptions struct {
	skip   int
	limit  int
	fields []string
}

// Query starts a fresh set of find options.
func Query() *FindOptions {
	return &FindOptions{limit: defaultFindLimit}
}

func (fo *FindOptions) Skip(n int) *FindOptions {
	fo.skip = n
	return fo
}

func (fo *FindOptions) Limit(n int) *FindOptions {
	fo.limit = n
	return fo
}

// Fields restricts which document fields the store returns.
func (fo *FindOptions) Fields(ff ...string) *FindOptions {
	fo.fields = ff
	return fo
}

func (fo *FindOptions) clone() *FindOptions {
	cp := *fo
	cp.fields = append([]string(nil), fo.fields...)
	return &cp
}
