package location

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"nightwatch/internal/domain"
)

// StaticSource always reports the same position. Useful on hosts without a
// positioning helper.
type StaticSource struct {
	Latitude  float64
	Longitude float64
}

// ParseStatic reads "lat,lon".
func ParseStatic(value string) (StaticSource, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return StaticSource{}, fmt.Errorf("static position %q: want lat,lon", value)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return StaticSource{}, fmt.Errorf("static latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return StaticSource{}, fmt.Errorf("static longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return StaticSource{}, fmt.Errorf("static position %q out of range", value)
	}
	return StaticSource{Latitude: lat, Longitude: lon}, nil
}

func (s StaticSource) Fix(ctx context.Context) (domain.PositionSample, error) {
	if err := ctx.Err(); err != nil {
		return domain.PositionSample{}, err
	}
	return domain.PositionSample{Latitude: s.Latitude, Longitude: s.Longitude}, nil
}
