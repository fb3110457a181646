package geo

import (
	h3 "github.com/uber/h3-go/v4"
)

// areaRes is the H3 resolution used for hotness tracking. Res 7 cells
// are ~5 km across, which groups a city district worth of viewports
// under one key.
const areaRes = 7

// AreaCell returns the H3 cell containing the coordinate, used as the
// key for hotness tracking and hit-event labelling. Returns "" if the
// coordinate cannot be indexed.
func AreaCell(lat, lng float64) string {
	c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lng}, areaRes)
	if err != nil || !c.IsValid() {
		return ""
	}
	return c.String()
}
