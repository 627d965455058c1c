package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/djlord-it/contentguard/internal/domain"
)

// Scanner searches platforms through the scanning service.
//
//	POST {base}/search
//	{"query": "...", "platform": "youtube", "region": {...}, "limit": 50}
//	-> {"candidates": [...]}
type Scanner struct{ client *Client }

func NewScanner(c *Client) *Scanner { return &Scanner{client: c} }

type searchRequest struct {
	Query    string            `json:"query"`
	Platform domain.PlatformID `json:"platform"`
	Region   searchRegion      `json:"region"`
	Limit    int               `json:"limit"`
}

type searchRegion struct {
	ID          domain.RegionID   `json:"id"`
	CountryCode string            `json:"country_code,omitempty"`
	Egress      map[string]string `json:"egress,omitempty"`
}

type searchResponse struct {
	Candidates []domain.Candidate `json:"candidates"`
}

func (s *Scanner) Search(ctx context.Context, query string, platform domain.PlatformID, region domain.Region, limit int) ([]domain.Candidate, error) {
	var resp searchResponse
	_, err := s.client.do(ctx, http.MethodPost, "/search", nil, searchRequest{
		Query:    query,
		Platform: platform,
		Region: searchRegion{
			ID:          region.ID,
			CountryCode: region.CountryCode,
			Egress:      region.EgressConfig,
		},
		Limit: limit,
	}, &resp, false)
	if err != nil {
		return nil, err
	}

	out := resp.Candidates
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		if out[i].Platform == "" {
			out[i].Platform = platform
		}
		if out[i].Region == "" {
			out[i].Region = region.ID
		}
	}
	return out, nil
}

// Matcher scores candidates against a protected profile.
//
//	POST {base}/match
//	{"profile_id": "...", "candidate": {...}} -> {"results": [...]}
type Matcher struct{ client *Client }

func NewMatcher(c *Client) *Matcher { return &Matcher{client: c} }

type matchRequest struct {
	ProfileID string           `json:"profile_id"`
	Candidate domain.Candidate `json:"candidate"`
}

type matchResponse struct {
	Results []domain.MatchResult `json:"results"`
}

func (m *Matcher) Match(ctx context.Context, candidate domain.Candidate, profileID string) ([]domain.MatchResult, error) {
	var resp matchResponse
	if _, err := m.client.do(ctx, http.MethodPost, "/match", nil, matchRequest{
		ProfileID: profileID,
		Candidate: candidate,
	}, &resp, false); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ContactResolver looks up the abuse contact for a hosting provider.
//
//	GET {base}/contacts?host=example.com -> {"email": "...", "form_url": "..."}
//
// A 404 means no contact is known and yields an empty Contact.
type ContactResolver struct{ client *Client }

func NewContactResolver(c *Client) *ContactResolver { return &ContactResolver{client: c} }

func (r *ContactResolver) Resolve(ctx context.Context, host string) (domain.Contact, error) {
	var contact domain.Contact
	found, err := r.client.do(ctx, http.MethodGet, "/contacts", url.Values{"host": {host}}, nil, &contact, true)
	if err != nil || !found {
		return domain.Contact{}, err
	}
	return contact, nil
}

// DelistingChecker asks whether an infringing URL is no longer reachable or
// indexed.
//
//	GET {base}/delisted?url=... -> {"delisted": true}
type DelistingChecker struct{ client *Client }

func NewDelistingChecker(c *Client) *DelistingChecker { return &DelistingChecker{client: c} }

type delistedResponse struct {
	Delisted bool `json:"delisted"`
}

func (d *DelistingChecker) Delisted(ctx context.Context, infringingURL string) (bool, error) {
	var resp delistedResponse
	if _, err := d.client.do(ctx, http.MethodGet, "/delisted", url.Values{"url": {infringingURL}}, nil, &resp, false); err != nil {
		return false, err
	}
	return resp.Delisted, nil
}
