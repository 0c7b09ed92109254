package crawler

import (
	"context"
	"io"
	"time"
)

// Portal hides all site-specific navigation of the remote listing.
type Portal interface {
	// ListPage returns the items shown on the current page.
	ListPage(ctx context.Context, pageIndex int) ([]ListingItem, error)
	// AdvancePage moves to the next page; false means there is none.
	AdvancePage(ctx context.Context) (bool, error)
	Close() error
}

// AttachmentResolver is implemented by portals that defer attachment lookup
// until the coordinator decides an item must be processed.
type AttachmentResolver interface {
	ResolveAttachments(ctx context.Context, item ListingItem) ([]AttachmentRef, error)
}

// StateStore persists CrawlState between runs.
type StateStore interface {
	Load(ctx context.Context) (CrawlState, error)
	Save(ctx context.Context, state CrawlState) error
	Reset(ctx context.Context) error
}

// ItemChecker downloads and evaluates the attachments of one item.
type ItemChecker interface {
	FetchAndCheck(ctx context.Context, item ListingItem) (ItemOutcome, error)
}

// Fetcher downloads a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes hit notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, report ItemReport) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Reporter persists the result records of a run.
type Reporter interface {
	Write(ctx context.Context, reports []ItemReport) error
}
