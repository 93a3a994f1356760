package utils

import "time"

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation = LoadLocation("Asia/Kolkata")

// LoadLocation loads the named zone. When the zone database is missing it
// falls back to IST (UTC+5:30), the only zone these markets trade in.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}
