package similarity

import codepromptu "github.com/codepromptu/codepromptu/internal"

// bucketDims is the number of leading embedding dimensions whose sign
// pattern determines bucket membership — a cheap random-hyperplane LSH
// standing in for the "lists" tuning parameter spec §4.7 describes for an
// IVF-style index. There is no pgvector/ivfflat equivalent available over
// modernc.org/sqlite's plain BLOB columns, so bucketing happens in Go at
// query time rather than inside the store.
const bucketDims = 8

// targetLists mirrors spec §4.7's "lists scales as max(n/1000, 10)".
func targetLists(n int) int {
	lists := n / 1000
	if lists < 10 {
		lists = 10
	}
	return lists
}

// bucketOf hashes the sign bits of vec's leading bucketDims components into
// a bucket id in [0, lists).
func bucketOf(vec []float32, lists int) int {
	h := 0
	dims := bucketDims
	if len(vec) < dims {
		dims = len(vec)
	}
	for i := 0; i < dims; i++ {
		h <<= 1
		if vec[i] > 0 {
			h |= 1
		}
	}
	if h < 0 {
		h = -h
	}
	return h % lists
}

// bucketCandidates partitions active into targetLists(len(active)) buckets
// and returns only the prompts sharing query's bucket. The index is
// recomputed fresh on every call against the current active set, which
// trivially keeps it within spec's "rebuilt when deviating by more than 5
// from target" rule — it never has a stale lists value to deviate from.
func bucketCandidates(active []*codepromptu.Prompt, query []float32) []*codepromptu.Prompt {
	lists := targetLists(len(active))
	queryBucket := bucketOf(query, lists)

	var out []*codepromptu.Prompt
	for _, p := range active {
		if bucketOf(p.Embedding, lists) == queryBucket {
			out = append(out, p)
		}
	}
	// A cold bucket (e.g. the query vector's local region is sparsely
	// populated) falls back to a full scan rather than returning an
	// artificially empty result set.
	if len(out) == 0 {
		return active
	}
	return out
}
