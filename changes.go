package sofa

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var ErrFeedFailed = errors.New("change feed terminated abnormally")

// Feed is a lazy, unbounded stream of changed documents consumed via long
// polling. The document channel closes when the feed ends; afterwards Err
// distinguishes a failed poll from cancellation through the feed's context.
// A Feed never reconnects on its own; start a new one with Client.Changes.
type Feed struct {
	c        *Client
	selector M
	ch       chan Document

	mu  sync.Mutex
	err error
}

// Changes opens a continuous change feed. When a selector is given,
// filtering happens server-side. Cancelling ctx aborts an in-flight poll
// and closes the feed cleanly.
func (c *Client) Changes(ctx context.Context, selector M) *Feed {
	f := &Feed{
		c:        c,
		selector: selector,
		ch:       make(chan Document),
	}

	go f.run(ctx)
	return f
}

// C is the channel of changed documents. It closes on cancellation and on
// any poll failure.
func (f *Feed) C() <-chan Document {
	return f.ch
}

// Err reports why the feed ended: nil after cancellation through the feed's
// context, otherwise the failure that terminated it, wrapped in
// ErrFeedFailed. Valid once C is closed.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) fail(err error) {
	f.c.lg.Error("change feed terminated", "error", err)
	f.mu.Lock()
	f.err = errors.Wrap(ErrFeedFailed, err.Error())
	f.mu.Unlock()
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.ch)

	params := url.Values{}
	params.Set("feed", "longpoll")
	params.Set("since", "now")
	params.Set("include_docs", "true")

	payload := M{}
	if f.selector != nil {
		params.Set("filter", "_selector")
		payload["selector"] = f.selector
	}

	for {
		status, body, err := f.c.do(ctx, http.MethodPost, "/_changes", params, payload)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.fail(err)
			return
		}
		if status != http.StatusOK {
			f.fail(errors.Errorf("poll rejected with status %d", status))
			return
		}

		results := gjson.GetBytes(body, "results")
		if !results.Exists() {
			f.fail(errors.New("poll returned no results field"))
			return
		}

		for _, r := range results.Array() {
			doc := docFromResult(r.Get("doc"))
			if doc == nil {
				continue
			}

			select {
			case f.ch <- doc:
			case <-ctx.Done():
				return
			}
		}
	}
}
