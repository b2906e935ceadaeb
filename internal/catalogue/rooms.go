package catalogue

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/antoniostano/delegator/internal/agents"
)

type roomFile struct {
	Rooms []struct {
		Number int    `mapstructure:"number"`
		Label  string `mapstructure:"label"`
		Price  int64  `mapstructure:"price"`
		Stock  int    `mapstructure:"stock"`
	} `mapstructure:"rooms"`
	Nights []struct {
		Date  string `mapstructure:"date"`
		Room  int    `mapstructure:"room"`
		Price *int64 `mapstructure:"price"`
		Stock *int   `mapstructure:"stock"`
	} `mapstructure:"nights"`
}

// LoadRoomTable reads a room table file: standing rates under "rooms" and
// per-date overrides under "nights".
func LoadRoomTable(path string) (*agents.StaticRoomTable, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading room table %s: %w", path, err)
	}
	var f roomFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshaling room table %s: %w", path, err)
	}

	seen := make(map[int]bool, len(f.Rooms))
	rates := make([]agents.RoomRate, 0, len(f.Rooms))
	for i, r := range f.Rooms {
		if r.Number <= 0 {
			return nil, fmt.Errorf("%w: room table %s: rooms[%d] needs a number", ErrInvalidCatalogue, path, i)
		}
		if seen[r.Number] {
			return nil, fmt.Errorf("%w: room table %s: duplicate room %d", ErrInvalidCatalogue, path, r.Number)
		}
		seen[r.Number] = true
		rates = append(rates, agents.RoomRate{
			Room:  agents.Room{Number: r.Number, Label: r.Label},
			Price: r.Price,
			Stock: r.Stock,
		})
	}
	overrides := make([]agents.NightOverride, 0, len(f.Nights))
	for i, n := range f.Nights {
		date, err := agents.ParseDate(n.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: room table %s: nights[%d]: %v", ErrInvalidCatalogue, path, i, err)
		}
		if !seen[n.Room] {
			return nil, fmt.Errorf("%w: room table %s: nights[%d]: unknown room %d", ErrInvalidCatalogue, path, i, n.Room)
		}
		overrides = append(overrides, agents.NightOverride{Date: date, Room: n.Room, Price: n.Price, Stock: n.Stock})
	}
	return agents.NewStaticRoomTable(rates, overrides), nil
}
