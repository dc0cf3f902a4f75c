package planner

import (
	"math"
	"sort"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

// Window used when posting times do not cover the slots needed per day.
const (
	spreadStartMinute = 8 * 60
	spreadEndMinute   = 20 * 60
)

// SlotTimes returns the publish time of every slot of b, strictly increasing.
// Slots fill days in order, perDay = ceil(capacity/days) per day, at the
// configured posting times or, when there are too few, evenly spaced between
// 08:00 and 20:00.
func SlotTimes(b *model.Bucket, postingTimes []string, loc *time.Location) ([]time.Time, error) {
	days := b.Days()
	if b.Capacity <= 0 || days <= 0 {
		return nil, nil
	}
	perDay := int(math.Ceil(float64(b.Capacity) / float64(days)))

	clocks, err := parseClocks(postingTimes)
	if err != nil {
		return nil, err
	}
	if len(clocks) < perDay {
		clocks = spread(perDay)
	}
	clocks = clocks[:perDay]

	out := make([]time.Time, b.Capacity)
	for i := range out {
		d := b.StartDate.AddDate(0, 0, i/perDay)
		m := clocks[i%perDay]
		out[i] = time.Date(d.Year(), d.Month(), d.Day(), m/60, m%60, 0, 0, loc).UTC()
	}
	return out, nil
}

// parseClocks returns the distinct posting times as minutes after midnight, sorted.
func parseClocks(times []string) ([]int, error) {
	seen := make(map[int]bool)
	var out []int
	for _, t := range times {
		h, m, err := model.ParseClock(t)
		if err != nil {
			return nil, err
		}
		v := h*60 + m
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}

func spread(n int) []int {
	if n == 1 {
		return []int{(spreadStartMinute + spreadEndMinute) / 2}
	}
	step := (spreadEndMinute - spreadStartMinute) / (n - 1)
	out := make([]int, n)
	for i := range out {
		out[i] = spreadStartMinute + i*step
	}
	return out
}

// firstMonday returns the first Monday on or after now's date in loc.
func firstMonday(now time.Time, loc *time.Location) time.Time {
	d := now.In(loc)
	offset := (int(time.Monday) - int(d.Weekday()) + 7) % 7
	return model.Date(d.AddDate(0, 0, offset))
}
