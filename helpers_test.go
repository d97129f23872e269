package sofa

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory document store speaking just enough of the wire
// protocol for the client under test: revision-checked writes, bulk writes,
// selector queries, long-polled changes and purge.
type fakeStore struct {
	srv *httptest.Server

	mu         sync.Mutex
	docs       map[string]Document
	history    []Document
	revSeq     int
	idSeq      int
	pollCursor int
	changed    chan struct{}

	failAll    bool
	rejectPuts bool
	bulkShort  bool
	changesErr bool

	lastPurge map[string][]string
	purgeLog  []map[string][]string
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()

	fs := &fakeStore{
		docs:    make(map[string]Document),
		changed: make(chan struct{}),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeStore) client(t *testing.T, opts ...Option) *Client {
	t.Helper()

	u, err := url.Parse(fs.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c, err := NewClient(Config{
		Host:     "http://" + u.Hostname(),
		Port:     port,
		Database: "db",
		Username: "admin",
		Password: "secret",
	}, opts...)
	require.NoError(t, err)
	return c
}

func (fs *fakeStore) handle(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	failAll := fs.failAll
	fs.mu.Unlock()
	if failAll {
		respond(w, http.StatusInternalServerError, M{"error": "internal"})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/db")
	switch {
	case path == "" && r.Method == http.MethodPost:
		fs.handleInsert(w, r)
	case path == "/_bulk_docs":
		fs.handleBulk(w, r)
	case path == "/_find":
		fs.handleFind(w, r)
	case path == "/_changes":
		fs.handleChanges(w, r)
	case path == "/_purge":
		fs.handlePurge(w, r)
	case path == "/_revs_limit" && r.Method == http.MethodPut:
		respond(w, http.StatusOK, M{"ok": true})
	case path == "/_compact" || path == "/_view_cleanup":
		respond(w, http.StatusAccepted, M{"ok": true})
	case r.Method == http.MethodGet:
		fs.handleGet(w, strings.TrimPrefix(path, "/"))
	case r.Method == http.MethodPut:
		fs.handlePut(w, r, strings.TrimPrefix(path, "/"))
	default:
		respond(w, http.StatusMethodNotAllowed, M{"error": "bad request"})
	}
}

// commit stores a new revision and wakes any pending long poll.
// Must be called with fs.mu held.
func (fs *fakeStore) commit(doc Document) string {
	fs.revSeq++
	gen := 1
	if cur, ok := fs.docs[doc.ID()]; ok {
		g, _ := strconv.Atoi(strings.SplitN(cur.Rev(), "-", 2)[0])
		gen = g + 1
	}
	rev := fmt.Sprintf("%d-%06x", gen, fs.revSeq)
	doc.SetRev(rev)

	fs.docs[doc.ID()] = doc.Clone()
	fs.history = append(fs.history, doc.Clone())

	close(fs.changed)
	fs.changed = make(chan struct{})
	return rev
}

func (fs *fakeStore) handleInsert(w http.ResponseWriter, r *http.Request) {
	doc := decodeDoc(w, r)
	if doc == nil {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := doc.ID()
	if id == "" {
		fs.idSeq++
		id = fmt.Sprintf("gen-%06d", fs.idSeq)
		doc.SetID(id)
	}
	if _, exists := fs.docs[id]; exists {
		respond(w, http.StatusConflict, M{"error": "conflict"})
		return
	}

	rev := fs.commit(doc)
	respond(w, http.StatusCreated, M{"ok": true, "id": id, "rev": rev})
}

func (fs *fakeStore) handleGet(w http.ResponseWriter, id string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cur, ok := fs.docs[id]
	if !ok || cur.Deleted() {
		respond(w, http.StatusNotFound, M{"error": "not_found"})
		return
	}
	respond(w, http.StatusOK, cur)
}

func (fs *fakeStore) handlePut(w http.ResponseWriter, r *http.Request, id string) {
	doc := decodeDoc(w, r)
	if doc == nil {
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.rejectPuts {
		respond(w, http.StatusConflict, M{"error": "conflict"})
		return
	}

	cur, exists := fs.docs[id]
	if exists && doc.Rev() != cur.Rev() {
		respond(w, http.StatusConflict, M{"error": "conflict"})
		return
	}
	if !exists && doc.Rev() != "" {
		respond(w, http.StatusConflict, M{"error": "conflict"})
		return
	}

	doc.SetID(id)
	rev := fs.commit(doc)
	respond(w, http.StatusCreated, M{"ok": true, "id": id, "rev": rev})
}

func (fs *fakeStore) handleBulk(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Docs []Document `json:"docs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respond(w, http.StatusBadRequest, M{"error": "bad_request"})
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	results := make([]M, 0, len(payload.Docs))
	for _, doc := range payload.Docs {
		if doc.ID() == "" {
			fs.idSeq++
			doc.SetID(fmt.Sprintf("gen-%06d", fs.idSeq))
		}
		rev := fs.commit(doc)
		results = append(results, M{"ok": true, "id": doc.ID(), "rev": rev})
	}

	if fs.bulkShort && len(results) > 0 {
		results = results[:len(results)-1]
	}
	respond(w, http.StatusCreated, results)
}

func (fs *fakeStore) handleFind(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Selector M        `json:"selector"`
		Skip     int      `json:"skip"`
		Limit    int      `json:"limit"`
		Fields   []string `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respond(w, http.StatusBadRequest, M{"error": "bad_request"})
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	ids := make([]string, 0, len(fs.docs))
	for id := range fs.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	matched := make([]Document, 0)
	for _, id := range ids {
		doc := fs.docs[id]
		if doc.Deleted() || !matches(doc, payload.Selector) {
			continue
		}
		matched = append(matched, doc)
	}

	if payload.Skip < len(matched) {
		matched = matched[payload.Skip:]
	} else {
		matched = matched[:0]
	}
	if payload.Limit > 0 && payload.Limit < len(matched) {
		matched = matched[:payload.Limit]
	}

	if len(payload.Fields) > 0 {
		projected := make([]Document, 0, len(matched))
		for _, doc := range matched {
			p := make(Document, len(payload.Fields))
			for _, f := range payload.Fields {
				if v, ok := doc[f]; ok {
					p[f] = v
				}
			}
			projected = append(projected, p)
		}
		matched = projected
	}

	respond(w, http.StatusOK, M{"docs": matched})
}

func (fs *fakeStore) handleChanges(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	if fs.changesErr {
		fs.mu.Unlock()
		respond(w, http.StatusInternalServerError, M{"error": "internal"})
		return
	}
	fs.mu.Unlock()

	var payload struct {
		Selector M `json:"selector"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)

	longpoll := r.URL.Query().Get("feed") == "longpoll"
	if !longpoll {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		respond(w, http.StatusOK, changesPage(fs.history, nil))
		return
	}

	fs.mu.Lock()
	start := fs.pollCursor
	wakeup := fs.changed
	pending := len(fs.history) > start
	fs.mu.Unlock()

	if !pending {
		select {
		case <-wakeup:
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	page := fs.history[start:]
	fs.pollCursor = len(fs.history)
	respond(w, http.StatusOK, changesPage(page, payload.Selector))
}

func (fs *fakeStore) handlePurge(w http.ResponseWriter, r *http.Request) {
	var revs map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&revs); err != nil {
		respond(w, http.StatusBadRequest, M{"error": "bad_request"})
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.lastPurge = revs
	fs.purgeLog = append(fs.purgeLog, revs)
	for id := range revs {
		delete(fs.docs, id)
		kept := fs.history[:0]
		for _, doc := range fs.history {
			if doc.ID() != id {
				kept = append(kept, doc)
			}
		}
		fs.history = kept
	}
	respond(w, http.StatusCreated, M{"purged": revs})
}

func changesPage(docs []Document, selector M) M {
	results := make([]M, 0, len(docs))
	for _, doc := range docs {
		if selector != nil && !matches(doc, selector) {
			continue
		}
		results = append(results, M{"id": doc.ID(), "doc": doc})
	}
	return M{"results": results, "last_seq": len(docs)}
}

func matches(doc Document, selector M) bool {
	for k, v := range selector {
		if !reflect.DeepEqual(doc[k], v) {
			return false
		}
	}
	return true
}

func decodeDoc(w http.ResponseWriter, r *http.Request) Document {
	var doc Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		respond(w, http.StatusBadRequest, M{"error": "bad_request"})
		return nil
	}
	return doc
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
