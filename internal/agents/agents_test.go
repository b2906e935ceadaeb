package agents

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/delegator/internal/reasoning"
	"github.com/antoniostano/delegator/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPlace(t *testing.T) {
	cases := map[string]string{
		"What's the timezone in Tokyo?":       "Tokyo",
		"weather in New York today":           "New York",
		"What time is it in Paris right now?": "Paris",
		"forecast for São Paulo, please":      "São Paulo",
		"how are you":                         "",
		"what is the weather like in it":      "",
		"time in the city of Lisbon":          "Lisbon",
	}
	for in, want := range cases {
		assert.Equal(t, want, ExtractPlace(in), in)
	}
}

func TestGazetteerAgentResolvesCity(t *testing.T) {
	a := NewGazetteerAgent(nil)
	out, err := a.Invoke(context.Background(), Request{Text: "What's the timezone in Tokyo?"})
	require.NoError(t, err)
	assert.Equal(t, "Tokyo", out.Data["place"])
	assert.Equal(t, "Asia/Tokyo", out.Data["timezone"])

	out, err = a.Invoke(context.Background(), Request{Text: "東京の天気は？"})
	require.NoError(t, err)
	assert.Equal(t, "Tokyo", out.Data["place"])

	out, err = a.Invoke(context.Background(), Request{Text: "time in new york city"})
	require.NoError(t, err)
	assert.Equal(t, "New York", out.Data["place"])
}

func TestGazetteerAgentUnknownPlaceIsPermanent(t *testing.T) {
	_, err := NewGazetteerAgent(nil).Invoke(context.Background(), Request{Text: "time in Atlantis"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, reliability.IsPermanent(err))
}

func TestGazetteerNamesRespectWordBoundaries(t *testing.T) {
	g := NewGazetteer(nil)
	_, ok := g.Find("reading romeo and juliet")
	assert.False(t, ok)
	city, ok := g.Find("flights to Rome")
	require.True(t, ok)
	assert.Equal(t, "Rome", city.Name)
}

func TestTimezoneAgentUsesUpstreamGeo(t *testing.T) {
	a := NewTimezoneAgent(nil)
	a.now = func() time.Time { return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC) }

	geo, err := NewGazetteerAgent(nil).Invoke(context.Background(), Request{Text: "Tokyo"})
	require.NoError(t, err)

	out, err := a.Invoke(context.Background(), Request{
		Text:   "What's the timezone in Tokyo?",
		Inputs: map[string]Output{TagGeoLookup: geo},
	})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Asia/Tokyo")
	assert.Contains(t, out.Text, "21:00")
	assert.Equal(t, []string{"Timezone for Tokyo: Asia/Tokyo"}, out.Facts)
}

func TestTimezoneAgentFallsBackToNearestCity(t *testing.T) {
	a := NewTimezoneAgent(nil)
	out, err := a.Invoke(context.Background(), Request{
		Inputs: map[string]Output{TagGeoLookup: {Data: map[string]string{"place": "Yokohama", "lat": "35.4437", "lon": "139.6380"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", out.Data["timezone"])
	assert.Equal(t, "Yokohama", out.Data["place"])

	_, err = a.Invoke(context.Background(), Request{
		Inputs: map[string]Output{TagGeoLookup: {Data: map[string]string{"place": "Point Nemo", "lat": "-48.8767", "lon": "-123.3933"}}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNominatimAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		if r.URL.Query().Get("q") == "Nowhere" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		assert.Equal(t, "Kyoto", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`[{"lat":"35.0116","lon":"135.7681","name":"Kyoto","display_name":"Kyoto, Japan"}]`))
	}))
	defer srv.Close()

	a := NewNominatimAgent(srv.URL)
	out, err := a.Invoke(context.Background(), Request{Text: "weather in Kyoto?"})
	require.NoError(t, err)
	assert.Equal(t, "Kyoto", out.Data["place"])
	lat, lon, ok := Coordinates(out)
	require.True(t, ok)
	assert.InDelta(t, 35.0116, lat, 1e-6)
	assert.InDelta(t, 135.7681, lon, 1e-6)

	_, err = a.Invoke(context.Background(), Request{Text: "weather in Nowhere"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, reliability.IsPermanent(err))
}

func TestNominatimAgentRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewNominatimAgent(srv.URL).Invoke(context.Background(), Request{Text: "in Kyoto"})
	require.Error(t, err)
	assert.False(t, reliability.IsPermanent(err))
}

func TestWeatherAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "35.6762", r.URL.Query().Get("latitude"))
		assert.Equal(t, "true", r.URL.Query().Get("current_weather"))
		_, _ = w.Write([]byte(`{"current_weather":{"temperature":21.34,"windspeed":5.2,"weathercode":2,"time":"2026-01-02T12:00"}}`))
	}))
	defer srv.Close()

	geo, err := NewGazetteerAgent(nil).Invoke(context.Background(), Request{Text: "Tokyo"})
	require.NoError(t, err)

	out, err := NewWeatherAgent(srv.URL).Invoke(context.Background(), Request{Inputs: map[string]Output{TagGeoLookup: geo}})
	require.NoError(t, err)
	assert.Equal(t, "Weather in Tokyo: Partly Cloudy, 21.3°C, wind 5.2 km/h", out.Text)
}

func TestWeatherAgentNeedsLocation(t *testing.T) {
	_, err := NewWeatherAgent("http://example.invalid").Invoke(context.Background(), Request{Text: "weather?"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDescribeWeatherCode(t *testing.T) {
	assert.Equal(t, "Clear", DescribeWeatherCode(0))
	assert.Equal(t, "Freezing Fog", DescribeWeatherCode(48))
	assert.Equal(t, "Heavy Hailstorm", DescribeWeatherCode(99))
	assert.Equal(t, "Unknown", DescribeWeatherCode(42))
}

func TestLanguageAgent(t *testing.T) {
	a := NewLanguageAgent(0)
	out, err := a.Invoke(context.Background(), Request{Text: "Hello, how are you doing today? I would like to know the weather."})
	require.NoError(t, err)
	assert.Equal(t, "English", out.Data["language"])
	assert.True(t, out.InternalOnly)

	lang, _ := a.Detect("こんにちは、今日はいい天気ですね。ありがとうございます。")
	assert.Equal(t, "Japanese", lang)

	lang, _ = a.Detect("   ")
	assert.Equal(t, UnknownLanguage, lang)
}

func TestReasoningAgentPassesContextAndResults(t *testing.T) {
	var got reasoning.MessageRequest
	adapter := adapterFunc(func(_ context.Context, req reasoning.MessageRequest) (reasoning.MessageResponse, error) {
		got = req
		return reasoning.MessageResponse{Text: "  It is sunny.  "}, nil
	})
	a := NewReasoningAgent(adapter, "")

	out, err := a.Invoke(context.Background(), Request{
		Text:          "Should I bring an umbrella?",
		MemoryContext: []string{"[#1 user] hi"},
		Inputs: map[string]Output{
			TagWeatherForecast: {Text: "Weather in Tokyo: Clear"},
			TagLanguageDetect:  {Text: "English", Data: map[string]string{"language": "English"}, InternalOnly: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", out.Text)
	assert.Equal(t, []string{"[#1 user] hi"}, got.MemoryContext)
	assert.True(t, strings.HasSuffix(got.InputText, "Agent results:\n- weather-forecast: Weather in Tokyo: Clear"))
	assert.Contains(t, got.System, reasoning.DefaultPersona)
	assert.Contains(t, got.System, "writing in English")
}

func TestReasoningAgentInstructionsOverridePersona(t *testing.T) {
	var got reasoning.MessageRequest
	a := NewReasoningAgent(adapterFunc(func(_ context.Context, req reasoning.MessageRequest) (reasoning.MessageResponse, error) {
		got = req
		return reasoning.MessageResponse{}, errors.New("down")
	}), "persona")

	_, err := a.Invoke(context.Background(), Request{Text: "x", Instructions: "classify"})
	require.Error(t, err)
	assert.Equal(t, "classify", got.System)
}

func TestFuncAndInput(t *testing.T) {
	f := Func(func(_ context.Context, req Request) (Output, error) {
		out, ok := req.Input("missing", TagGeoLookupOffline)
		if !ok {
			return Output{}, ErrNotFound
		}
		return out, nil
	})
	out, err := f.Invoke(context.Background(), Request{Inputs: map[string]Output{TagGeoLookupOffline: {Text: "offline"}}})
	require.NoError(t, err)
	assert.Equal(t, "offline", out.Text)
}

type adapterFunc func(ctx context.Context, req reasoning.MessageRequest) (reasoning.MessageResponse, error)

func (f adapterFunc) StreamResponse(ctx context.Context, req reasoning.MessageRequest, _ reasoning.DeltaHandler) (reasoning.MessageResponse, error) {
	return f(ctx, req)
}
