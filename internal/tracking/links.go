package tracking

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// TrackingLink is the link to embed for one identifier. When Fallback is
// set the URL is untracked and Detail says why creation failed.
type TrackingLink struct {
	Identifier string `json:"identifier"`
	URL        string `json:"url"`
	Fallback   bool   `json:"fallback"`
	Detail     string `json:"detail,omitempty"`
}

// FallbackURL is the untracked link used when creation fails. It loads the
// same pixel, with the identifier kept in the fragment so the link is still
// unique per message. The result depends only on its inputs.
func FallbackURL(pixelURL, id string) string {
	if id == "" {
		return pixelURL
	}
	return pixelURL + "#" + url.QueryEscape(id)
}

// CreateLinks creates one link per id on a client that lives only for this
// call. Output order matches ids.
func CreateLinks(ctx context.Context, cfg ClientConfig, expire time.Time, ids []string) []TrackingLink {
	c := NewClient(cfg)
	defer c.CloseIdleConnections()
	return c.CreateLinks(ctx, expire, ids)
}

// CreateLinks fans out one Create per id, at most MaxConcurrency at a time.
// It never fails as a whole: an id whose creation fails gets FallbackURL.
func (c *Client) CreateLinks(ctx context.Context, expire time.Time, ids []string) []TrackingLink {
	links := make([]TrackingLink, len(ids))

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			links[i] = c.createLink(ctx, id, expire)
			return nil
		})
	}
	_ = g.Wait()

	return links
}

func (c *Client) createLink(ctx context.Context, id string, expire time.Time) TrackingLink {
	link := TrackingLink{Identifier: id}
	if id == "" {
		link.URL = FallbackURL(c.cfg.PixelURL, id)
		link.Fallback = true
		link.Detail = "empty identifier"
		c.cfg.Metrics.RecordFallback(ctx)
		return link
	}

	u, err := c.Create(ctx, id, expire)
	c.cfg.Metrics.RecordTrackingRequest(ctx, OpCreate, err == nil)
	if err != nil {
		link.URL = FallbackURL(c.cfg.PixelURL, id)
		link.Fallback = true
		link.Detail = "Error making image link for " + id + ": " + detail(err) +
			". Returning default link with no view stats."
		c.cfg.Metrics.RecordFallback(ctx)
		c.cfg.Logger.Warn("tracking link fell back",
			slog.String("identifier", id),
			slog.Any("err", err),
		)
		return link
	}

	link.URL = u
	return link
}
