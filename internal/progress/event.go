// Package progress defines the event structures emitted while a crawl runs.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageRunError       Stage = "RUN_ERROR"
	StagePageDone       Stage = "PAGE_DONE"
	StageItemStart      Stage = "ITEM_START"
	StageItemDone       Stage = "ITEM_DONE"
	StageAttachmentDone Stage = "ATTACHMENT_DONE"
)

// Item and attachment outcomes carried in Event.Outcome.
const (
	OutcomeHit      = "hit"
	OutcomeNoHit    = "no_hit"
	OutcomeDeferred = "deferred"
	OutcomeFailed   = "failed"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for attachment downloads.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of crawl progress.
type Event struct {
	// RunID identifies the crawl run that emitted the event.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Page is the zero-based listing page for page events.
	Page   int
	ItemID string
	// URL is the attachment URL for attachment events.
	URL string
	// Format is the detected document format of an attachment.
	Format      string
	Outcome     string
	Bytes       int64
	StatusClass StatusClass
	Dur         time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StagePageDone:
		if e.Page < 0 {
			return errors.New("page done requires a non-negative page")
		}
	case StageItemStart:
		if e.ItemID == "" {
			return errors.New("item start requires item id")
		}
	case StageItemDone:
		if e.ItemID == "" {
			return errors.New("item done requires item id")
		}
		if e.Outcome == "" {
			return errors.New("item done requires outcome")
		}
	case StageAttachmentDone:
		if e.ItemID == "" || e.URL == "" {
			return errors.New("attachment done requires item id and url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for attachment events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
