// Package pubsub publishes hit reports to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
	"google.golang.org/api/option"

	"github.com/JakeFAU/tenderscan/internal/crawler"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	runID     string
}

// Connect opens a client for projectID and publishes to topicID.
func Connect(ctx context.Context, projectID, topicID, runID string, opts ...option.ClientOption) (*Publisher, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, publisher: client.Publisher(topicID), runID: runID}, nil
}

// New wraps an existing topic publisher.
func New(publisher *pubsub.Publisher, runID string) *Publisher {
	return &Publisher{publisher: publisher, runID: runID}
}

// Publish sends the report as JSON and waits for the server id.
func (p *Publisher) Publish(ctx context.Context, report crawler.ItemReport) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"item_id": report.ItemID,
			"run_id":  p.runID,
			"matched": strconv.Itoa(len(report.MatchedAttachments)),
		},
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish report %s: %w", report.ItemID, err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
