package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antoniostano/delegator/internal/reliability"
)

const DefaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"

var weatherCodes = map[int]string{
	0:  "Clear",
	1:  "Mostly Clear",
	2:  "Partly Cloudy",
	3:  "Cloudy",
	45: "Fog",
	48: "Freezing Fog",
	51: "Light Drizzle",
	53: "Drizzle",
	55: "Heavy Drizzle",
	56: "Light Freezing Drizzle",
	57: "Freezing Drizzle",
	61: "Light Rain",
	63: "Rain",
	65: "Heavy Rain",
	66: "Light Freezing Rain",
	67: "Freezing Rain",
	71: "Light Snow",
	73: "Snow",
	75: "Heavy Snow",
	77: "Snow Grains",
	80: "Light Rain Shower",
	81: "Rain Shower",
	82: "Heavy Rain Shower",
	85: "Snow Shower",
	86: "Heavy Snow Shower",
	95: "Thunderstorm",
	96: "Hailstorm",
	99: "Heavy Hailstorm",
}

// DescribeWeatherCode maps a WMO weather code to a short description.
func DescribeWeatherCode(code int) string {
	if d, ok := weatherCodes[code]; ok {
		return d
	}
	return "Unknown"
}

// WeatherAgent serves weather-forecast from Open-Meteo current conditions.
type WeatherAgent struct {
	baseURL string
	client  *http.Client
}

func NewWeatherAgent(baseURL string) *WeatherAgent {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOpenMeteoURL
	}
	return &WeatherAgent{
		baseURL: strings.TrimSpace(baseURL),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type openMeteoResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		Windspeed   float64 `json:"windspeed"`
		Weathercode int     `json:"weathercode"`
		Time        string  `json:"time"`
	} `json:"current_weather"`
}

func (a *WeatherAgent) Invoke(ctx context.Context, req Request) (Output, error) {
	geo, ok := req.Input(TagGeoLookup, TagGeoLookupOffline)
	if !ok {
		return Output{}, reliability.Permanent(fmt.Errorf("%w: weather needs a resolved location", ErrNotFound))
	}
	lat, lon, ok := Coordinates(geo)
	if !ok {
		return Output{}, reliability.Permanent(fmt.Errorf("%w: location has no coordinates", ErrNotFound))
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("current_weather", "true")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Output{}, fmt.Errorf("create request: %w", err)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		return Output{}, fmt.Errorf("open-meteo request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		statusErr := fmt.Errorf("open-meteo status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return Output{}, statusErr
		}
		return Output{}, reliability.Permanent(statusErr)
	}

	var payload openMeteoResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Output{}, fmt.Errorf("decode open-meteo response: %w", err)
	}

	cw := payload.CurrentWeather
	place := geo.Data["place"]
	if place == "" {
		place = fmt.Sprintf("%.2f, %.2f", lat, lon)
	}
	desc := DescribeWeatherCode(cw.Weathercode)
	return Output{
		Text: fmt.Sprintf("Weather in %s: %s, %.1f°C, wind %.1f km/h", place, desc, cw.Temperature, cw.Windspeed),
		Data: map[string]string{
			"place":        place,
			"condition":    desc,
			"temperature":  strconv.FormatFloat(cw.Temperature, 'f', 1, 64),
			"windspeed":    strconv.FormatFloat(cw.Windspeed, 'f', 1, 64),
			"weather_code": strconv.Itoa(cw.Weathercode),
			"observed_at":  cw.Time,
		},
	}, nil
}
