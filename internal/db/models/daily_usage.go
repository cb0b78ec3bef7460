package models

import "time"

// DailyUsage counts quota-consuming requests for one user on one UTC day.
type DailyUsage struct {
	UserID    string
	YMD       string // UTC day, 2006-01-02
	Count     int
	UpdatedAt time.Time
}
