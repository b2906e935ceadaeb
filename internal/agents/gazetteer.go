package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/antoniostano/delegator/internal/reliability"
)

// City is one gazetteer entry.
type City struct {
	Name     string
	Country  string
	Lat      float64
	Lon      float64
	Timezone string
	Aliases  []string
}

var defaultCities = []City{
	{Name: "Tokyo", Country: "Japan", Lat: 35.6762, Lon: 139.6503, Timezone: "Asia/Tokyo", Aliases: []string{"東京"}},
	{Name: "Osaka", Country: "Japan", Lat: 34.6937, Lon: 135.5023, Timezone: "Asia/Tokyo", Aliases: []string{"大阪"}},
	{Name: "Beijing", Country: "China", Lat: 39.9042, Lon: 116.4074, Timezone: "Asia/Shanghai", Aliases: []string{"北京", "Peking"}},
	{Name: "Shanghai", Country: "China", Lat: 31.2304, Lon: 121.4737, Timezone: "Asia/Shanghai", Aliases: []string{"上海"}},
	{Name: "Hong Kong", Country: "China", Lat: 22.3193, Lon: 114.1694, Timezone: "Asia/Hong_Kong", Aliases: []string{"香港"}},
	{Name: "Taipei", Country: "Taiwan", Lat: 25.0330, Lon: 121.5654, Timezone: "Asia/Taipei", Aliases: []string{"台北"}},
	{Name: "Seoul", Country: "South Korea", Lat: 37.5665, Lon: 126.9780, Timezone: "Asia/Seoul"},
	{Name: "Singapore", Country: "Singapore", Lat: 1.3521, Lon: 103.8198, Timezone: "Asia/Singapore"},
	{Name: "Mumbai", Country: "India", Lat: 19.0760, Lon: 72.8777, Timezone: "Asia/Kolkata", Aliases: []string{"Bombay"}},
	{Name: "New Delhi", Country: "India", Lat: 28.6139, Lon: 77.2090, Timezone: "Asia/Kolkata", Aliases: []string{"Delhi"}},
	{Name: "Dubai", Country: "United Arab Emirates", Lat: 25.2048, Lon: 55.2708, Timezone: "Asia/Dubai"},
	{Name: "Moscow", Country: "Russia", Lat: 55.7558, Lon: 37.6173, Timezone: "Europe/Moscow"},
	{Name: "Cairo", Country: "Egypt", Lat: 30.0444, Lon: 31.2357, Timezone: "Africa/Cairo"},
	{Name: "Johannesburg", Country: "South Africa", Lat: -26.2041, Lon: 28.0473, Timezone: "Africa/Johannesburg"},
	{Name: "London", Country: "United Kingdom", Lat: 51.5074, Lon: -0.1278, Timezone: "Europe/London"},
	{Name: "Paris", Country: "France", Lat: 48.8566, Lon: 2.3522, Timezone: "Europe/Paris"},
	{Name: "Berlin", Country: "Germany", Lat: 52.5200, Lon: 13.4050, Timezone: "Europe/Berlin"},
	{Name: "Madrid", Country: "Spain", Lat: 40.4168, Lon: -3.7038, Timezone: "Europe/Madrid"},
	{Name: "Lisbon", Country: "Portugal", Lat: 38.7223, Lon: -9.1393, Timezone: "Europe/Lisbon"},
	{Name: "Rome", Country: "Italy", Lat: 41.9028, Lon: 12.4964, Timezone: "Europe/Rome"},
	{Name: "Amsterdam", Country: "Netherlands", Lat: 52.3676, Lon: 4.9041, Timezone: "Europe/Amsterdam"},
	{Name: "Stockholm", Country: "Sweden", Lat: 59.3293, Lon: 18.0686, Timezone: "Europe/Stockholm"},
	{Name: "New York", Country: "United States", Lat: 40.7128, Lon: -74.0060, Timezone: "America/New_York", Aliases: []string{"NYC", "New York City"}},
	{Name: "Chicago", Country: "United States", Lat: 41.8781, Lon: -87.6298, Timezone: "America/Chicago"},
	{Name: "Los Angeles", Country: "United States", Lat: 34.0522, Lon: -118.2437, Timezone: "America/Los_Angeles"},
	{Name: "San Francisco", Country: "United States", Lat: 37.7749, Lon: -122.4194, Timezone: "America/Los_Angeles", Aliases: []string{"SF"}},
	{Name: "Toronto", Country: "Canada", Lat: 43.6532, Lon: -79.3832, Timezone: "America/Toronto"},
	{Name: "Mexico City", Country: "Mexico", Lat: 19.4326, Lon: -99.1332, Timezone: "America/Mexico_City"},
	{Name: "São Paulo", Country: "Brazil", Lat: -23.5505, Lon: -46.6333, Timezone: "America/Sao_Paulo", Aliases: []string{"Sao Paulo"}},
	{Name: "Buenos Aires", Country: "Argentina", Lat: -34.6037, Lon: -58.3816, Timezone: "America/Argentina/Buenos_Aires"},
	{Name: "Sydney", Country: "Australia", Lat: -33.8688, Lon: 151.2093, Timezone: "Australia/Sydney"},
	{Name: "Auckland", Country: "New Zealand", Lat: -36.8485, Lon: 174.7633, Timezone: "Pacific/Auckland"},
}

// Gazetteer resolves well-known city names offline.
type Gazetteer struct {
	cities []City
	names  []gazetteerName
}

type gazetteerName struct {
	lower string
	city  int
}

func NewGazetteer(cities []City) *Gazetteer {
	if len(cities) == 0 {
		cities = defaultCities
	}
	g := &Gazetteer{cities: append([]City(nil), cities...)}
	for i, c := range g.cities {
		g.names = append(g.names, gazetteerName{lower: strings.ToLower(c.Name), city: i})
		for _, a := range c.Aliases {
			g.names = append(g.names, gazetteerName{lower: strings.ToLower(a), city: i})
		}
	}
	// Longest name first so "New York City" wins over "New York".
	sort.SliceStable(g.names, func(i, j int) bool { return len(g.names[i].lower) > len(g.names[j].lower) })
	return g
}

// Find returns the city named anywhere in text.
func (g *Gazetteer) Find(text string) (City, bool) {
	lower := strings.ToLower(text)
	for _, n := range g.names {
		if containsWord(lower, n.lower) {
			return g.cities[n.city], true
		}
	}
	return City{}, false
}

// Nearest returns the closest city to the coordinates and its distance in km.
func (g *Gazetteer) Nearest(lat, lon float64) (City, float64) {
	best, bestDist := City{}, math.MaxFloat64
	for _, c := range g.cities {
		if d := haversineKM(lat, lon, c.Lat, c.Lon); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

func containsWord(haystack, needle string) bool {
	from := 0
	for {
		idx := strings.Index(haystack[from:], needle)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(needle)
		if boundary(haystack, start-1, true) && boundary(haystack, end, false) {
			return true
		}
		from = start + 1
	}
}

// boundary treats non-letters and CJK characters as word breaks.
func boundary(s string, i int, before bool) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	var r rune
	if before {
		r = lastRune(s[:i+1])
	} else {
		r = []rune(s[i:])[0]
	}
	if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) {
		return true
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func lastRune(s string) rune {
	rs := []rune(s)
	return rs[len(rs)-1]
}

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// GazetteerAgent serves geo-lookup from the built-in city table.
type GazetteerAgent struct {
	gazetteer *Gazetteer
}

func NewGazetteerAgent(g *Gazetteer) *GazetteerAgent {
	if g == nil {
		g = NewGazetteer(nil)
	}
	return &GazetteerAgent{gazetteer: g}
}

func (a *GazetteerAgent) Invoke(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	city, ok := a.gazetteer.Find(req.Text)
	if !ok {
		place := ExtractPlace(req.Text)
		if place == "" {
			place = strings.TrimSpace(req.Text)
		}
		return Output{}, reliability.Permanent(fmt.Errorf("%w: no known place in %q", ErrNotFound, place))
	}
	return cityOutput(city), nil
}

func cityOutput(c City) Output {
	return Output{
		Text: fmt.Sprintf("%s, %s (%.4f, %.4f)", c.Name, c.Country, c.Lat, c.Lon),
		Data: map[string]string{
			"place":    c.Name,
			"country":  c.Country,
			"lat":      strconv.FormatFloat(c.Lat, 'f', 4, 64),
			"lon":      strconv.FormatFloat(c.Lon, 'f', 4, 64),
			"timezone": c.Timezone,
		},
	}
}

// Coordinates reads lat/lon from a geo-lookup output.
func Coordinates(out Output) (float64, float64, bool) {
	lat, err1 := strconv.ParseFloat(out.Data["lat"], 64)
	lon, err2 := strconv.ParseFloat(out.Data["lon"], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
