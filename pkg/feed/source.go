package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/nse-client/pkg/client"
	"github.com/Sternrassler/nse-client/pkg/tracker"
)

// Source fetches the current window of a feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]tracker.Record, error)
}

// Endpoints and categories of the announcement-style feeds.
const (
	AnnouncementsEndpoint = "/api/corporate-announcements"
	CategoryAnnouncement  = "announcement"
)

// AnnouncementConfig selects which announcement feed to poll.
type AnnouncementConfig struct {
	// Index is the market segment, e.g. "equities" or "sme".
	Index string

	// Symbol restricts the feed to one company when set.
	Symbol string

	// Category tags the produced records.
	Category string

	// Fresh bypasses the cached copy on every poll.
	Fresh bool
}

// DefaultAnnouncementConfig polls all equity announcements.
func DefaultAnnouncementConfig() AnnouncementConfig {
	return AnnouncementConfig{
		Index:    "equities",
		Category: CategoryAnnouncement,
	}
}

// AnnouncementSource reads the corporate announcements feed.
type AnnouncementSource struct {
	client *client.Client
	cfg    AnnouncementConfig
}

// NewAnnouncementSource creates a source backed by c.
func NewAnnouncementSource(c *client.Client, cfg AnnouncementConfig) *AnnouncementSource {
	if cfg.Category == "" {
		cfg.Category = CategoryAnnouncement
	}
	return &AnnouncementSource{client: c, cfg: cfg}
}

// Name implements Source.
func (s *AnnouncementSource) Name() string {
	if s.cfg.Symbol != "" {
		return s.cfg.Category + ":" + s.cfg.Symbol
	}
	return s.cfg.Category
}

// Fetch implements Source.
func (s *AnnouncementSource) Fetch(ctx context.Context) ([]tracker.Record, error) {
	params := map[string]string{}
	if s.cfg.Index != "" {
		params["index"] = s.cfg.Index
	}
	if s.cfg.Symbol != "" {
		params["symbol"] = s.cfg.Symbol
	}

	var opts []client.RequestOption
	if s.cfg.Fresh {
		opts = append(opts, client.SkipCache())
	}

	resp, err := s.client.Get(ctx, AnnouncementsEndpoint, params, opts...)
	if err != nil {
		return nil, err
	}
	records, err := ParseAnnouncements(resp.Body, s.cfg.Category)
	if err != nil {
		s.client.Invalidate(ctx, AnnouncementsEndpoint, params)
		return nil, err
	}
	return records, nil
}

// announcement is the upstream wire shape of one announcement.
type announcement struct {
	Symbol         string `json:"symbol"`
	CompanyName    string `json:"sm_name"`
	Desc           string `json:"desc"`
	AttachmentText string `json:"attchmntText"`
	AttachmentFile string `json:"attchmntFile"`
	BroadcastTime  string `json:"an_dt"`
	SortDate       string `json:"sort_date"`
}

// ParseAnnouncements decodes an announcements payload, either a bare array
// or an object with a "data" array, into records tagged with category.
// Payloads of any other shape are client.KindParse errors.
func ParseAnnouncements(body []byte, category string) ([]tracker.Record, error) {
	trimmed := strings.TrimSpace(string(body))

	var items []announcement
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, client.NewParseError(AnnouncementsEndpoint, body, fmt.Errorf("decode announcements: %w", err))
		}
	case strings.HasPrefix(trimmed, "{"):
		var wrapped struct {
			Data []announcement `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, client.NewParseError(AnnouncementsEndpoint, body, fmt.Errorf("decode announcements: %w", err))
		}
		items = wrapped.Data
	default:
		return nil, client.NewParseError(AnnouncementsEndpoint, body, errors.New("decode announcements: unexpected payload"))
	}

	records := make([]tracker.Record, 0, len(items))
	for _, it := range items {
		ts := it.BroadcastTime
		if ts == "" {
			ts = it.SortDate
		}
		attachment := strings.TrimSpace(it.AttachmentFile)
		if attachment == "-" {
			attachment = ""
		}
		records = append(records, tracker.Record{
			Category:      category,
			Symbol:        strings.TrimSpace(it.Symbol),
			Name:          strings.TrimSpace(it.CompanyName),
			Subject:       strings.TrimSpace(it.Desc),
			Description:   strings.TrimSpace(it.AttachmentText),
			AttachmentURL: attachment,
			Timestamp:     ts,
		})
	}
	return records, nil
}
