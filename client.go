package sofa

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("client is closed")
var ErrBulkMismatch = errors.New("bulk response does not align with the submitted batch")

// Client talks to one document store database over HTTP. Reads and writes
// fail closed: any non-success response yields a nil Document (or an empty
// slice) rather than an error, and the failure is logged. Safety under
// concurrent writers comes from the store's revision check combined with the
// single-retry reconciliation in Upsert; the Client itself holds no locks
// around requests.
type Client struct {
	cfg     Config
	baseURL string
	hc      *http.Client
	lg      *slog.Logger
	merge   MergePolicy

	mu     sync.RWMutex
	closed bool
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(c *Client) {
		c.lg = lg
	}
}

// WithMergePolicy replaces the conflict merge policy used by Upsert.
func WithMergePolicy(mp MergePolicy) Option {
	return func(c *Client) {
		c.merge = mp
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Database == "" {
		return nil, ErrDatabaseMissing
	}
	cfg.setDefaults()

	c := &Client{
		cfg:     cfg,
		baseURL: cfg.baseURL(),
		hc:      &http.Client{},
		lg:      slog.Default(),
		merge:   LastWriterWins,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.lg.Info("connected to document store", "url", c.baseURL)
	return c, nil
}

// Close releases the underlying transport. Every in-flight and future call
// on this instance fails closed afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.closed = true
	c.hc.CloseIdleConnections()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload interface{}) (int, []byte, error) {
	if c.isClosed() {
		return 0, nil, ErrClosed
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, errors.Wrap(err, "could not encode request payload")
		}
		body = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "could not build request")
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrapf(err, "%s %s: could not read response", method, path)
	}

	return resp.StatusCode, b, nil
}

// Retrieve fetches the document stored under id, or nil if it does not
// exist or the request fails.
func (c *Client) Retrieve(ctx context.Context, id string) Document {
	status, body, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(id), nil, nil)
	if err != nil {
		c.lg.Error("retrieve failed", "id", id, "error", err)
		return nil
	}
	if status != http.StatusOK {
		return nil
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		c.lg.Error("retrieve: malformed document", "id", id, "error", err)
		return nil
	}
	return doc
}

// Insert stores a new document, letting the store assign the identifier and
// initial revision. On success both are copied back onto doc.
func (c *Client) Insert(ctx context.Context, doc Document) Document {
	payload := doc.Clone()
	if payload.ID() == "" {
		delete(payload, FieldID)
	}
	stripEmptyRev(payload)

	status, body, err := c.do(ctx, http.MethodPost, "", nil, payload)
	if err != nil {
		c.lg.Error("insert failed", "error", err)
		return nil
	}
	if status != http.StatusCreated {
		c.lg.Error("insert rejected", "status", status)
		return nil
	}

	id, rev, ok := writeResult(body)
	if !ok {
		c.lg.Error("insert: malformed write response")
		return nil
	}

	doc.SetID(id)
	doc.SetRev(rev)
	return doc
}

// Upsert writes doc at its identifier and revision. A rejected conditional
// write is reconciled exactly once: the currently stored document is
// re-fetched, the caller's fields are merged over it by the configured
// MergePolicy, and the write retries against the fetched revision. An
// unresolvable conflict yields nil.
func (c *Client) Upsert(ctx context.Context, doc Document) Document {
	if doc.ID() == "" {
		return c.Insert(ctx, doc)
	}

	attempt := doc.Clone()
	stripEmptyRev(attempt)

	status, body, err := c.putDoc(ctx, attempt)
	if err != nil {
		c.lg.Error("upsert failed", "id", doc.ID(), "error", err)
		return nil
	}

	if !writeAccepted(status) {
		current := c.Retrieve(ctx, doc.ID())
		if current == nil {
			c.lg.Error("upsert conflict could not be resolved, document gone", "id", doc.ID())
			return nil
		}

		merged := c.merge(current, doc)
		merged.SetID(current.ID())
		merged.SetRev(current.Rev())

		status, body, err = c.putDoc(ctx, merged)
		if err != nil || !writeAccepted(status) {
			c.lg.Error("upsert retry rejected", "id", doc.ID(), "status", status, "error", err)
			return nil
		}
	}

	id, rev, ok := writeResult(body)
	if !ok {
		c.lg.Error("upsert: malformed write response", "id", doc.ID())
		return nil
	}

	doc.SetID(id)
	doc.SetRev(rev)
	return doc
}

func (c *Client) putDoc(ctx context.Context, doc Document) (int, []byte, error) {
	return c.do(ctx, http.MethodPut, "/"+url.PathEscape(doc.ID()), nil, doc)
}

// BulkUpsert submits docs as one batch and assigns each response entry's
// identifier and revision back onto the corresponding input by position.
// A response that does not align with the batch fails with ErrBulkMismatch.
func (c *Client) BulkUpsert(ctx context.Context, docs []Document) ([]Document, error) {
	for _, doc := range docs {
		stripEmptyRev(doc)
		if doc.ID() == "" {
			delete(doc, FieldID)
		}
	}

	status, body, err := c.do(ctx, http.MethodPost, "/_bulk_docs", nil, M{"docs": docs})
	if err != nil {
		return nil, errors.Wrap(err, "bulk upsert failed")
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, errors.Errorf("bulk upsert rejected with status %d", status)
	}

	results := docsAt(body, "@this")
	if len(results) != len(docs) {
		return nil, errors.Wrapf(ErrBulkMismatch, "submitted %d, store answered %d", len(docs), len(results))
	}

	for i, res := range results {
		docs[i].SetID(res.String("id"))
		docs[i].SetRev(res.String("rev"))
	}
	return docs, nil
}

// Delete marks doc as deleted and writes the tombstone through the same
// conflict-resolution path as any other update.
func (c *Client) Delete(ctx context.Context, doc Document) Document {
	doc[FieldDeleted] = true
	return c.Upsert(ctx, doc)
}

// Find runs a selector query. The selector is passed through opaque to the
// store's native filter syntax. Any failure yields an empty slice.
func (c *Client) Find(ctx context.Context, selector M, opts *FindOptions) []Document {
	if opts == nil {
		opts = Query()
	}
	if selector == nil {
		selector = M{}
	}

	payload := M{
		"selector": selector,
		"skip":     opts.skip,
		"limit":    opts.limit,
	}
	if len(opts.fields) > 0 {
		payload["fields"] = opts.fields
	}

	status, body, err := c.do(ctx, http.MethodPost, "/_find", nil, payload)
	if err != nil {
		c.lg.Error("find failed", "error", err)
		return []Document{}
	}
	if status != http.StatusOK {
		c.lg.Error("find rejected", "status", status)
		return []Document{}
	}

	return docsAt(body, "docs")
}

// FindFirst returns the first match of the selector, or nil.
func (c *Client) FindFirst(ctx context.Context, selector M, opts *FindOptions) Document {
	if opts == nil {
		opts = Query()
	}

	docs := c.Find(ctx, selector, opts.clone().Limit(1))
	if len(docs) == 0 {
		return nil
	}
	return docs[0]
}

// SetRevLimit caps how many revisions the store keeps per document.
func (c *Client) SetRevLimit(ctx context.Context, limit int) error {
	return c.admin(ctx, http.MethodPut, "/_revs_limit", limit)
}

// Compact asks the store to compact the database.
func (c *Client) Compact(ctx context.Context) error {
	return c.admin(ctx, http.MethodPost, "/_compact", nil)
}

// ViewCleanup asks the store to drop stale view index files.
func (c *Client) ViewCleanup(ctx context.Context) error {
	return c.admin(ctx, http.MethodPost, "/_view_cleanup", nil)
}

func (c *Client) admin(ctx context.Context, method, path string, payload interface{}) error {
	status, _, err := c.do(ctx, method, path, nil, payload)
	if err != nil {
		return err
	}
	if !writeAccepted(status) && status != http.StatusAccepted {
		return errors.Errorf("%s rejected with status %d", path, status)
	}
	return nil
}

func writeAccepted(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated
}

func stripEmptyRev(doc Document) {
	if rev, ok := doc[FieldRev]; ok && (rev == nil || rev == "") {
		delete(doc, FieldRev)
	}
}
