package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const (
	hereGeocodeURL  = "https://geocode.search.hereapi.com/v1/geocode"
	geocodeCacheTTL = time.Hour
)

// Location is a resolved place.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
}

// Label renders the location as "City, Region, Country", skipping blanks.
func (l Location) Label() string {
	var parts []string
	for _, p := range []string{l.City, l.Region, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Geocoder resolves free-form place names through the HERE geocoding API.
type Geocoder struct {
	client  *Client
	apiKey  string
	baseURL string
	cache   *cache[Location]
}

// NewGeocoder creates a geocoder. baseURL may be empty for the public endpoint.
func NewGeocoder(c *Client, apiKey, baseURL string) *Geocoder {
	if baseURL == "" {
		baseURL = hereGeocodeURL
	}
	return &Geocoder{client: c, apiKey: apiKey, baseURL: baseURL, cache: newCache[Location](1024, geocodeCacheTTL)}
}

type hereResponse struct {
	Items []hereItem `json:"items"`
}

type hereItem struct {
	Title    string `json:"title"`
	Position struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"position"`
	Address struct {
		CountryCode string `json:"countryCode"`
		CountryName string `json:"countryName"`
		State       string `json:"state"`
		City        string `json:"city"`
	} `json:"address"`
	Scoring struct {
		QueryScore float64 `json:"queryScore"`
	} `json:"scoring"`
}

// Lookup resolves query to its best match, cached for an hour.
func (g *Geocoder) Lookup(ctx context.Context, query string) (Location, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Location{}, InvalidArgs("location must not be empty")
	}
	if g.apiKey == "" {
		return Location{}, Failed(errors.New("geocoding is not configured"))
	}
	return g.cache.get(strings.ToLower(query), func() (Location, error) {
		slog.Info("geocoding", "query", query)

		q := url.Values{}
		q.Set("q", query)
		q.Set("apiKey", g.apiKey)

		var res hereResponse
		if err := g.client.getJSON(ctx, g.baseURL+"?"+q.Encode(), &res); err != nil {
			return Location{}, err
		}
		best, ok := bestMatch(res.Items)
		if !ok {
			return Location{}, Failed(fmt.Errorf("no location found for %q", query))
		}
		return Location{
			Latitude:  best.Position.Lat,
			Longitude: best.Position.Lng,
			City:      best.Address.City,
			Region:    best.Address.State,
			Country:   best.Address.CountryName,
		}, nil
	})
}

// bestMatch picks the highest query score; on a tie a US result wins.
func bestMatch(items []hereItem) (hereItem, bool) {
	if len(items) == 0 {
		return hereItem{}, false
	}
	best := items[0]
	for _, it := range items[1:] {
		switch {
		case it.Scoring.QueryScore > best.Scoring.QueryScore:
			best = it
		case it.Scoring.QueryScore == best.Scoring.QueryScore &&
			it.Address.CountryCode == "USA" && best.Address.CountryCode != "USA":
			best = it
		}
	}
	return best, true
}

// GeocodeRequest is the input of geocode_location.
type GeocodeRequest struct {
	Location string `json:"location" desc:"Place name or address, e.g. \"Raleigh, NC\"" tool:"required,maxlen=256"`
}

// Tool returns the geocode_location handler.
func (g *Geocoder) Tool() Handler {
	return New("geocode_location",
		"Resolve a place name or address to latitude/longitude plus city, region and country.",
		func(ctx context.Context, req GeocodeRequest) (Location, error) {
			return g.Lookup(ctx, req.Location)
		})
}
