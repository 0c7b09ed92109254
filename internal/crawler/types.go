package crawler

import (
	"net/http"
	"sort"
	"time"
)

// ListingItem is one row yielded by a Portal page. IDs are stable across runs.
type ListingItem struct {
	ID          string
	Attachments []AttachmentRef
	// Ref is an opaque portal handle used to resolve attachments lazily.
	Ref string
	// Lazy marks items whose attachments must be resolved through an
	// AttachmentResolver before they can be checked.
	Lazy bool
}

// AttachmentRef points at one downloadable document of a ListingItem.
type AttachmentRef struct {
	URL          string `json:"url"`
	DeclaredName string `json:"declared_name,omitempty"`
	DeclaredMIME string `json:"declared_mime,omitempty"`
}

// AttachmentHit records the keyword scores of one matching attachment.
type AttachmentHit struct {
	Identifier string         `json:"path"`
	Hits       map[string]int `json:"hits"`
}

// ItemReport is the result record for one relevant item.
type ItemReport struct {
	ItemID             string          `json:"tender_id"`
	MatchedAttachments []AttachmentHit `json:"matched_files"`
}

// ItemOutcome summarizes the evaluation of every attachment of one item.
type ItemOutcome struct {
	Hit      bool
	Matched  []AttachmentHit
	Checked  int
	Deferred int
	Failed   int
}

// FetchRequest captures everything needed to download one URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// CrawlState is the durable progress of a crawl: every processed item id and
// the subset that hit. Hits is always a subset of Visited.
type CrawlState struct {
	Visited map[string]struct{}
	Hits    map[string]struct{}
}

// NewCrawlState returns an empty state.
func NewCrawlState() CrawlState {
	return CrawlState{
		Visited: make(map[string]struct{}),
		Hits:    make(map[string]struct{}),
	}
}

// IsVisited reports whether id was already processed.
func (s CrawlState) IsVisited(id string) bool {
	_, ok := s.Visited[id]
	return ok
}

// MarkVisited records id as processed and, when hit is true, as relevant.
// A hit is sticky: marking an already hit id as a miss keeps the hit.
func (s CrawlState) MarkVisited(id string, hit bool) {
	s.Visited[id] = struct{}{}
	if hit {
		s.Hits[id] = struct{}{}
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s CrawlState) Clone() CrawlState {
	out := NewCrawlState()
	for id := range s.Visited {
		out.Visited[id] = struct{}{}
	}
	for id := range s.Hits {
		out.Hits[id] = struct{}{}
		out.Visited[id] = struct{}{}
	}
	return out
}

// SortedVisited returns the visited ids in lexical order.
func (s CrawlState) SortedVisited() []string {
	return sortedKeys(s.Visited)
}

// SortedHits returns the hit ids in lexical order.
func (s CrawlState) SortedHits() []string {
	return sortedKeys(s.Hits)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
