package store

import (
	"context"
	"fmt"
	"io"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// GtfsRtVehicleFeedSource reads GTFS-Realtime VehiclePosition entities.
type GtfsRtVehicleFeedSource struct {
	httpFeed
}

func NewGtfsRtVehicleFeedSource(url string, timeout time.Duration) *GtfsRtVehicleFeedSource {
	return &GtfsRtVehicleFeedSource{httpFeed: newHTTPFeed("gtfs-rt", url, timeout)}
}

func (s *GtfsRtVehicleFeedSource) Fetch(ctx context.Context) ([]Vehicle, error) {
	body, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return decodeGtfsRt(raw)
}

func decodeGtfsRt(raw []byte) ([]Vehicle, error) {
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(raw, &feed); err != nil {
		return nil, fmt.Errorf("gtfs-rt decode: %w", err)
	}
	headerTs := int64(feed.GetHeader().GetTimestamp()) * 1000

	vehicles := make([]Vehicle, 0, len(feed.Entity))
	for _, ent := range feed.Entity {
		vp := ent.GetVehicle()
		if vp == nil || vp.Vehicle == nil || vp.Position == nil {
			continue
		}
		id := vp.GetVehicle().GetId()
		if id == "" {
			continue
		}
		pos := vp.GetPosition()
		if pos.Latitude == nil || pos.Longitude == nil {
			continue
		}
		v := Vehicle{
			ID:        id,
			Name:      vp.GetVehicle().GetLabel(),
			Lat:       float64(pos.GetLatitude()),
			Lon:       float64(pos.GetLongitude()),
			Timestamp: int64(vp.GetTimestamp()) * 1000,
		}
		if pos.Bearing != nil {
			v.Bearing = float64Ptr(float64(pos.GetBearing()))
		}
		if v.Timestamp == 0 {
			v.Timestamp = headerTs
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}
