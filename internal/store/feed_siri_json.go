package store

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// SiriJsonVehicleFeedSource reads SIRI VehicleMonitoring deliveries in JSON.
type SiriJsonVehicleFeedSource struct {
	httpFeed
}

func NewSiriJsonVehicleFeedSource(url string, timeout time.Duration) *SiriJsonVehicleFeedSource {
	return &SiriJsonVehicleFeedSource{httpFeed: newHTTPFeed("siri json", url, timeout)}
}

func (s *SiriJsonVehicleFeedSource) Fetch(ctx context.Context) ([]Vehicle, error) {
	body, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return decodeSiriJSON(b)
}

// Schema walk: Siri?.ServiceDelivery.VehicleMonitoringDelivery[].VehicleActivity[]
func decodeSiriJSON(b []byte) ([]Vehicle, error) {
	var root map[string]any
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	if siri, ok := root["Siri"].(map[string]any); ok && siri != nil {
		root = siri
	}
	sd, _ := root["ServiceDelivery"].(map[string]any)
	vmdArr, _ := sd["VehicleMonitoringDelivery"].([]any)
	vehicles := make([]Vehicle, 0, 256)
	for _, vmdAny := range vmdArr {
		vmd, _ := vmdAny.(map[string]any)
		vaArr, _ := vmd["VehicleActivity"].([]any)
		for _, vaAny := range vaArr {
			va, _ := vaAny.(map[string]any)
			mvj, _ := va["MonitoredVehicleJourney"].(map[string]any)
			if mvj == nil {
				continue
			}
			id := stringFrom(mvj["VehicleRef"])
			if id == "" {
				id = stringFromNested(mvj, "FramedVehicleJourneyRef", "DatedVehicleJourneyRef")
			}
			lat, lon := floatFromNested(mvj, "VehicleLocation", "Latitude"), floatFromNested(mvj, "VehicleLocation", "Longitude")
			if id == "" || (lat == 0 && lon == 0) {
				continue
			}
			v := Vehicle{
				ID:        id,
				Name:      stringFrom(mvj["PublishedLineName"]),
				Lat:       lat,
				Lon:       lon,
				Timestamp: parseSiriTime(stringFrom(va["RecordedAtTime"])),
			}
			if b, ok := floatFrom(mvj["Bearing"]); ok {
				v.Bearing = float64Ptr(b)
			}
			vehicles = append(vehicles, v)
		}
	}
	return vehicles, nil
}

func stringFrom(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func stringFromNested(m map[string]any, k1, k2 string) string {
	m1, _ := m[k1].(map[string]any)
	return stringFrom(m1[k2])
}

func floatFrom(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func floatFromNested(m map[string]any, k1, k2 string) float64 {
	m1, _ := m[k1].(map[string]any)
	f, _ := floatFrom(m1[k2])
	return f
}

func parseSiriTime(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
