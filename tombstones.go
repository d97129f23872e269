package sofa

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"github.com/tidwall/gjson"
)

type tombstone struct {
	id   string
	revs []string
}

func byTombstoneID(a, b interface{}) bool {
	return a.(*tombstone).id < b.(*tombstone).id
}

// scanTombstones walks the full change history and indexes every tombstoned
// document's revisions by identifier. Revisions keep their order of
// appearance in the history.
func (c *Client) scanTombstones(ctx context.Context) (*btree.BTree, bool) {
	params := url.Values{}
	params.Set("include_docs", "true")

	status, body, err := c.do(ctx, http.MethodPost, "/_changes", params, M{})
	if err != nil {
		c.lg.Error("tombstone scan failed", "error", err)
		return nil, false
	}
	if status != http.StatusOK {
		c.lg.Error("tombstone scan rejected", "status", status)
		return nil, false
	}

	idx := btree.NewNonConcurrent(byTombstoneID)
	for _, r := range gjson.GetBytes(body, "results").Array() {
		doc := r.Get("doc")
		if !doc.Get(FieldDeleted).Bool() {
			continue
		}

		id := doc.Get(FieldID).String()
		rev := doc.Get(FieldRev).String()
		if id == "" || rev == "" {
			continue
		}

		if existing := idx.Get(&tombstone{id: id}); existing != nil {
			t := existing.(*tombstone)
			t.revs = append(t.revs, rev)
			continue
		}
		idx.Set(&tombstone{id: id, revs: []string{rev}})
	}
	return idx, true
}

// DeletedRevisions returns every tombstoned document's revisions, keyed by
// identifier.
func (c *Client) DeletedRevisions(ctx context.Context) map[string][]string {
	out := make(map[string][]string)

	idx, ok := c.scanTombstones(ctx)
	if !ok {
		return out
	}

	idx.Ascend(nil, func(i interface{}) bool {
		t := i.(*tombstone)
		out[t.id] = t.revs
		return true
	})
	return out
}

// Purge permanently erases the given revisions. Irreversible, never retried.
func (c *Client) Purge(ctx context.Context, revs map[string][]string) error {
	status, _, err := c.do(ctx, http.MethodPost, "/_purge", nil, revs)
	if err != nil {
		return err
	}
	if !writeAccepted(status) && status != http.StatusAccepted {
		return errors.Errorf("purge rejected with status %d", status)
	}
	return nil
}

// PurgeAll purges every currently known tombstone, one batch per document in
// ascending identifier order. Ordered batches keep a partially failed run
// reproducible: everything below the failing identifier is already purged,
// everything above is untouched.
func (c *Client) PurgeAll(ctx context.Context) error {
	idx, ok := c.scanTombstones(ctx)
	if !ok {
		return errors.New("tombstone scan failed, nothing purged")
	}

	var purgeErr error
	idx.Ascend(nil, func(i interface{}) bool {
		t := i.(*tombstone)
		if err := c.Purge(ctx, map[string][]string{t.id: t.revs}); err != nil {
			purgeErr = errors.Wrapf(err, "purge stopped at %q", t.id)
			return false
		}
		return true
	})
	return purgeErr
}
