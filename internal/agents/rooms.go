package agents

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antoniostano/delegator/internal/reliability"
)

// maxLookupNights bounds one table query.
const maxLookupNights = 366

// Room is one bookable unit in the room table.
type Room struct {
	Number int
	Label  string
}

// RoomNight is the stock and price of one room on one night.
type RoomNight struct {
	Date  time.Time
	Room  int
	Stock int
	Price int64
}

// RoomTable is the booking table the hotel agents read from.
type RoomTable interface {
	Rooms(ctx context.Context) ([]Room, error)
	// Nights returns every room night in [from, to), ordered by date then room.
	Nights(ctx context.Context, from, to time.Time) ([]RoomNight, error)
}

// RoomRate is a room with its standing price and stock.
type RoomRate struct {
	Room
	Price int64
	Stock int
}

// NightOverride replaces the price or stock of one room on one date.
type NightOverride struct {
	Date  time.Time
	Room  int
	Price *int64
	Stock *int
}

// StaticRoomTable serves room nights from standing rates plus per-date
// overrides held in memory.
type StaticRoomTable struct {
	rates     []RoomRate
	overrides map[string]NightOverride
}

func NewStaticRoomTable(rates []RoomRate, overrides []NightOverride) *StaticRoomTable {
	sorted := append([]RoomRate(nil), rates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	t := &StaticRoomTable{rates: sorted, overrides: make(map[string]NightOverride, len(overrides))}
	for _, o := range overrides {
		t.overrides[nightKey(midnight(o.Date), o.Room)] = o
	}
	return t
}

func nightKey(date time.Time, room int) string {
	return date.Format(dateLayout) + "/" + strconv.Itoa(room)
}

func (t *StaticRoomTable) Rooms(context.Context) ([]Room, error) {
	out := make([]Room, 0, len(t.rates))
	for _, r := range t.rates {
		out = append(out, r.Room)
	}
	return out, nil
}

func (t *StaticRoomTable) Nights(ctx context.Context, from, to time.Time) ([]RoomNight, error) {
	from, to = midnight(from), midnight(to)
	if to.Sub(from) > maxLookupNights*day {
		return nil, fmt.Errorf("lookup of %s to %s exceeds %d nights", from.Format(dateLayout), to.Format(dateLayout), maxLookupNights)
	}
	var out []RoomNight
	for d := from; d.Before(to); d = d.Add(day) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, r := range t.rates {
			n := RoomNight{Date: d, Room: r.Number, Stock: r.Stock, Price: r.Price}
			if o, ok := t.overrides[nightKey(d, r.Number)]; ok {
				if o.Price != nil {
					n.Price = *o.Price
				}
				if o.Stock != nil {
					n.Stock = *o.Stock
				}
			}
			out = append(out, n)
		}
	}
	return out, nil
}

func roomName(r Room) string {
	if r.Label == "" {
		return strconv.Itoa(r.Number)
	}
	return fmt.Sprintf("%d (%s)", r.Number, r.Label)
}

func stayFromRequest(req Request) (Stay, error) {
	stay, err := StayFromText(req.Text)
	if err != nil {
		return Stay{}, reliability.Permanent(err)
	}
	if len(stay.Nights()) > maxLookupNights {
		return Stay{}, reliability.Permanent(fmt.Errorf("%w: stay longer than %d nights", ErrInvalidStay, maxLookupNights))
	}
	return stay, nil
}

// RoomAvailabilityAgent serves room-availability: free rooms per night over a
// window around the requested stay, and the rooms free for the whole stay.
type RoomAvailabilityAgent struct {
	table RoomTable
	now   func() time.Time
}

func NewRoomAvailabilityAgent(table RoomTable) *RoomAvailabilityAgent {
	return &RoomAvailabilityAgent{table: table, now: time.Now}
}

func (a *RoomAvailabilityAgent) Invoke(ctx context.Context, req Request) (Output, error) {
	stay, err := stayFromRequest(req)
	if err != nil {
		return Output{}, err
	}
	from, to := stay.Window(a.now().UTC())
	nights, err := a.table.Nights(ctx, from, to)
	if err != nil {
		return Output{}, fmt.Errorf("room lookup: %w", err)
	}
	rooms, err := a.table.Rooms(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("room list: %w", err)
	}
	names := make(map[int]string, len(rooms))
	for _, r := range rooms {
		names[r.Number] = roomName(r)
	}

	free := map[string][]string{}
	freeNights := map[int]int{}
	for _, n := range nights {
		if n.Stock <= 0 {
			continue
		}
		key := n.Date.Format(dateLayout)
		free[key] = append(free[key], names[n.Room])
		if !n.Date.Before(stay.CheckIn) && n.Date.Before(stay.CheckOut) {
			freeNights[n.Room]++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Availability around %s to %s:", stay.CheckIn.Format(dateLayout), stay.CheckOut.Format(dateLayout))
	for d := from; d.Before(to); d = d.Add(day) {
		key := d.Format(dateLayout)
		list := "none"
		if len(free[key]) > 0 {
			list = strings.Join(free[key], ", ")
		}
		fmt.Fprintf(&b, "\n%s: %s", key, list)
	}

	var whole []string
	var wholeNums []string
	for _, r := range rooms {
		if freeNights[r.Number] == len(stay.Nights()) {
			whole = append(whole, names[r.Number])
			wholeNums = append(wholeNums, strconv.Itoa(r.Number))
		}
	}
	if len(whole) > 0 {
		fmt.Fprintf(&b, "\nFree for the whole stay: %s", strings.Join(whole, ", "))
	} else {
		b.WriteString("\nNo room is free for the whole stay.")
	}

	return Output{
		Text: b.String(),
		Data: map[string]string{
			"check_in":     stay.CheckIn.Format(dateLayout),
			"check_out":    stay.CheckOut.Format(dateLayout),
			"window_start": from.Format(dateLayout),
			"window_end":   to.Format(dateLayout),
			"available":    strings.Join(wholeNums, ","),
		},
	}, nil
}

var roomNumberPattern = regexp.MustCompile(`\b\d{3,4}\b`)

// RoomChargeAgent serves room-charge: the nightly price of each requested
// room over the stay, and the sum. Rooms come from the text, or from an
// upstream availability result when the text names none.
type RoomChargeAgent struct {
	table RoomTable
}

func NewRoomChargeAgent(table RoomTable) *RoomChargeAgent {
	return &RoomChargeAgent{table: table}
}

func (a *RoomChargeAgent) Invoke(ctx context.Context, req Request) (Output, error) {
	stay, err := stayFromRequest(req)
	if err != nil {
		return Output{}, err
	}
	rooms, err := a.table.Rooms(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("room list: %w", err)
	}
	selected := selectRooms(req, rooms)
	if len(selected) == 0 {
		return Output{}, reliability.Permanent(fmt.Errorf("%w: no known room number in request", ErrNotFound))
	}
	nights, err := a.table.Nights(ctx, stay.CheckIn, stay.CheckOut)
	if err != nil {
		return Output{}, fmt.Errorf("room prices: %w", err)
	}

	want := make(map[int]bool, len(selected))
	for _, r := range selected {
		want[r.Number] = true
	}
	perRoom := map[int][]string{}
	totals := map[int]int64{}
	var sum int64
	for _, n := range nights {
		if !want[n.Room] {
			continue
		}
		perRoom[n.Room] = append(perRoom[n.Room], fmt.Sprintf("%s %d", n.Date.Format(dateLayout), n.Price))
		totals[n.Room] += n.Price
		sum += n.Price
	}

	data := map[string]string{
		"check_in":  stay.CheckIn.Format(dateLayout),
		"check_out": stay.CheckOut.Format(dateLayout),
		"nights":    strconv.Itoa(len(stay.Nights())),
		"total_sum": strconv.FormatInt(sum, 10),
	}
	var b strings.Builder
	for _, r := range selected {
		fmt.Fprintf(&b, "%s: %s; total %d\n", roomName(r), strings.Join(perRoom[r.Number], ", "), totals[r.Number])
		data["room_"+strconv.Itoa(r.Number)] = strconv.FormatInt(totals[r.Number], 10)
	}
	fmt.Fprintf(&b, "Total for the stay: %d", sum)
	return Output{Text: b.String(), Data: data}, nil
}

func selectRooms(req Request, rooms []Room) []Room {
	known := make(map[string]Room, len(rooms))
	for _, r := range rooms {
		known[strconv.Itoa(r.Number)] = r
	}
	var out []Room
	seen := map[int]bool{}
	pick := func(s string) {
		if r, ok := known[s]; ok && !seen[r.Number] {
			seen[r.Number] = true
			out = append(out, r)
		}
	}
	for _, m := range roomNumberPattern.FindAllString(datePattern.ReplaceAllString(req.Text, " "), -1) {
		pick(m)
	}
	if len(out) > 0 {
		return out
	}
	if avail, ok := req.Input(TagRoomAvailability); ok {
		if first, _, _ := strings.Cut(avail.Data["available"], ","); first != "" {
			pick(first)
		}
	}
	return out
}
