package agents

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/antoniostano/delegator/internal/reliability"
)

// nearestCityLimitKM bounds how far coordinates may be from a gazetteer city
// before the timezone is considered unknown.
const nearestCityLimitKM = 600

// TimezoneAgent resolves an IANA timezone from an upstream geo-lookup result.
type TimezoneAgent struct {
	gazetteer *Gazetteer
	now       func() time.Time
}

func NewTimezoneAgent(g *Gazetteer) *TimezoneAgent {
	if g == nil {
		g = NewGazetteer(nil)
	}
	return &TimezoneAgent{gazetteer: g, now: time.Now}
}

func (a *TimezoneAgent) Invoke(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	place, zone := a.resolve(req)
	if zone == "" {
		return Output{}, reliability.Permanent(fmt.Errorf("%w: no timezone for %q", ErrNotFound, req.Text))
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Output{}, reliability.Permanent(fmt.Errorf("load location %q: %w", zone, err))
	}

	fact := fmt.Sprintf("Timezone for %s: %s", place, zone)
	local := a.now().In(loc)
	return Output{
		Text: fmt.Sprintf("%s (local time %s)", fact, local.Format("Mon 15:04")),
		Data: map[string]string{
			"place":      place,
			"timezone":   zone,
			"local_time": local.Format(time.RFC3339),
		},
		Facts: []string{fact},
	}, nil
}

func (a *TimezoneAgent) resolve(req Request) (string, string) {
	geo, ok := req.Input(TagGeoLookup, TagGeoLookupOffline)
	if !ok {
		if city, found := a.gazetteer.Find(req.Text); found {
			return city.Name, city.Timezone
		}
		return "", ""
	}
	place := geo.Data["place"]
	if zone := geo.Data["timezone"]; zone != "" {
		return place, zone
	}
	if city, found := a.gazetteer.Find(place); found {
		return place, city.Timezone
	}
	lat, lon, ok := Coordinates(geo)
	if !ok {
		return place, ""
	}
	city, dist := a.gazetteer.Nearest(lat, lon)
	if dist > nearestCityLimitKM {
		return place, ""
	}
	if place == "" {
		place = city.Name
	}
	return place, city.Timezone
}
