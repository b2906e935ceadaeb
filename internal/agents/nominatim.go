package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/delegator/internal/reliability"
)

const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// NominatimAgent serves geo-lookup through an OpenStreetMap Nominatim server.
type NominatimAgent struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func NewNominatimAgent(baseURL string) *NominatimAgent {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultNominatimURL
	}
	return &NominatimAgent{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		userAgent: "delegator/1.0",
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

func (a *NominatimAgent) Invoke(ctx context.Context, req Request) (Output, error) {
	query := ExtractPlace(req.Text)
	if query == "" {
		query = strings.TrimSpace(req.Text)
	}
	if query == "" {
		return Output{}, reliability.Permanent(fmt.Errorf("%w: empty location query", ErrNotFound))
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return Output{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", a.userAgent)
	httpReq.Header.Set("Accept", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return Output{}, fmt.Errorf("nominatim request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		statusErr := fmt.Errorf("nominatim status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return Output{}, statusErr
		}
		return Output{}, reliability.Permanent(statusErr)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(res.Body).Decode(&places); err != nil {
		return Output{}, fmt.Errorf("decode nominatim response: %w", err)
	}
	if len(places) == 0 {
		return Output{}, reliability.Permanent(fmt.Errorf("%w: %q", ErrNotFound, query))
	}

	p := places[0]
	name := p.Name
	if name == "" {
		name = query
	}
	return Output{
		Text: fmt.Sprintf("%s (%s, %s)", p.DisplayName, p.Lat, p.Lon),
		Data: map[string]string{
			"place":        name,
			"display_name": p.DisplayName,
			"lat":          p.Lat,
			"lon":          p.Lon,
		},
	}, nil
}
