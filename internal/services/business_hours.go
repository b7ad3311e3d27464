package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"shepherd/internal/models"
)

// BusinessHours is a tenant-local delivery window.
type BusinessHours struct {
	Start    string `json:"start"` // "09:00"
	End      string `json:"end"`   // "17:00"
	Timezone string `json:"timezone"`
	Days     []int  `json:"days"` // 0=Sunday .. 6=Saturday; empty means every day
}

// DefaultBusinessHours is used when a rule enables the gate without a config.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{Start: "09:00", End: "17:00", Timezone: "America/Bogota", Days: []int{1, 2, 3, 4, 5}}
}

// ParseBusinessHours decodes the rule's business hours column.
func ParseBusinessHours(raw string) (BusinessHours, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultBusinessHours(), nil
	}
	var bh BusinessHours
	if err := json.Unmarshal([]byte(raw), &bh); err != nil {
		return BusinessHours{}, fmt.Errorf("parse business hours: %w", err)
	}
	if _, _, err := parseClock(bh.Start); err != nil {
		return BusinessHours{}, fmt.Errorf("business hours start: %w", err)
	}
	if _, _, err := parseClock(bh.End); err != nil {
		return BusinessHours{}, fmt.Errorf("business hours end: %w", err)
	}
	return bh, nil
}

func parseClock(s string) (hour, minute int, err error) {
	if _, err := time.Parse("15:04", s); err != nil {
		return 0, 0, fmt.Errorf("invalid clock value %q", s)
	}
	fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, nil
}

func (bh BusinessHours) location() *time.Location {
	if bh.Timezone != "" {
		if loc, err := time.LoadLocation(bh.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

func (bh BusinessHours) dayAllowed(weekday time.Weekday) bool {
	if len(bh.Days) == 0 {
		return true
	}
	for _, d := range bh.Days {
		if int(weekday) == d {
			return true
		}
	}
	return false
}

// Contains reports whether t falls inside the window.
func (bh BusinessHours) Contains(t time.Time) bool {
	local := t.In(bh.location())
	if !bh.dayAllowed(local.Weekday()) {
		return false
	}
	sh, sm, _ := parseClock(bh.Start)
	eh, em, _ := parseClock(bh.End)
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= sh*60+sm && minutes < eh*60+em
}

// NextOpen returns the next instant at or after t when the window opens.
// If t is already inside the window it is returned unchanged.
func (bh BusinessHours) NextOpen(t time.Time) time.Time {
	if bh.Contains(t) {
		return t
	}
	local := t.In(bh.location())
	sh, sm, _ := parseClock(bh.Start)
	for day := 0; day <= 7; day++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day(), sh, sm, 0, 0, bh.location()).AddDate(0, 0, day)
		if candidate.After(local) && bh.dayAllowed(candidate.Weekday()) {
			return candidate
		}
	}
	// Unreachable with a sane config; fail open rather than dropping work.
	return local
}

// DeferUntil decides the business hours gate for a matched rule: nil means
// dispatch now, otherwise the returned instant is when the execution should
// wake. URGENT rules in 24x7 mode are never deferred.
func DeferUntil(rule *models.AutomationRule, now time.Time) (*time.Time, error) {
	if rule.PriorityLevel == models.PriorityUrgent && rule.UrgentMode24x7 {
		return nil, nil
	}
	if !rule.BusinessHoursOnly {
		return nil, nil
	}
	bh, err := ParseBusinessHours(rule.BusinessHoursConfig)
	if err != nil {
		return nil, err
	}
	if bh.Contains(now) {
		return nil, nil
	}
	wake := bh.NextOpen(now)
	return &wake, nil
}
