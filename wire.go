package sofa

import "github.com/tidwall/gjson"

// writeResult extracts the identifier and revision a write response assigned.
func writeResult(body []byte) (id string, rev string, ok bool) {
	parsed := gjson.ParseBytes(body)
	id = parsed.Get("id").String()
	rev = parsed.Get("rev").String()
	return id, rev, rev != ""
}

// docsAt collects the documents under the given response path, e.g. "docs"
// for a query response or "results.#.doc" for a change feed page.
func docsAt(body []byte, path string) []Document {
	results := gjson.GetBytes(body, path).Array()
	docs := make([]Document, 0, len(results))
	for _, r := range results {
		if d := docFromResult(r); d != nil {
			docs = append(docs, d)
		}
	}
	return docs
}

func docFromResult(r gjson.Result) Document {
	m, ok := r.Value().(map[string]interface{})
	if !ok {
		return nil
	}
	return Document(m)
}
