package store

import (
	"context"
	"encoding/xml"
	"io"
	"strconv"
	"time"
)

// SiriXmlVehicleFeedSource reads SIRI VehicleMonitoring deliveries in XML.
type SiriXmlVehicleFeedSource struct {
	httpFeed
}

func NewSiriXmlVehicleFeedSource(url string, timeout time.Duration) *SiriXmlVehicleFeedSource {
	return &SiriXmlVehicleFeedSource{httpFeed: newHTTPFeed("siri xml", url, timeout)}
}

func (s *SiriXmlVehicleFeedSource) Fetch(ctx context.Context) ([]Vehicle, error) {
	body, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return decodeSiriXML(body)
}

// siriActivity accumulates one VehicleActivity while streaming.
type siriActivity struct {
	id, lat, lon, bearing, recorded, line string
}

func (a siriActivity) vehicle() (Vehicle, bool) {
	if a.id == "" || a.lat == "" || a.lon == "" {
		return Vehicle{}, false
	}
	latf, lonf, ok := parseLatLon(a.lat, a.lon)
	if !ok {
		return Vehicle{}, false
	}
	v := Vehicle{ID: a.id, Name: a.line, Lat: latf, Lon: lonf, Timestamp: parseSiriTime(a.recorded)}
	if b, err := strconv.ParseFloat(a.bearing, 64); err == nil {
		v.Bearing = float64Ptr(b)
	}
	return v, true
}

// Streaming extraction, namespace tolerant via Name.Local.
func decodeSiriXML(r io.Reader) ([]Vehicle, error) {
	dec := xml.NewDecoder(r)

	var (
		inSiri, inSD, inVMD, inVA, inMVJ, inVL bool
		cur                                    siriActivity
		vehicles                               []Vehicle
	)

	text := func(se *xml.StartElement) string {
		var v string
		if err := dec.DecodeElement(&v, se); err != nil {
			return ""
		}
		return v
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "Siri":
				inSiri = true
			case "ServiceDelivery":
				inSD = inSiri
			case "VehicleMonitoringDelivery":
				inVMD = inSD
			case "VehicleActivity":
				if inVMD {
					inVA = true
					cur = siriActivity{}
				}
			case "RecordedAtTime":
				if inVA && !inMVJ {
					cur.recorded = text(&se)
				}
			case "MonitoredVehicleJourney":
				inMVJ = inVA
			case "VehicleLocation":
				inVL = inMVJ || inVA
			case "VehicleRef":
				if inMVJ || inVA {
					cur.id = text(&se)
				}
			case "PublishedLineName":
				if inMVJ {
					cur.line = text(&se)
				}
			case "Bearing":
				if inMVJ {
					cur.bearing = text(&se)
				}
			case "Latitude":
				if inVL {
					cur.lat = text(&se)
				}
			case "Longitude":
				if inVL {
					cur.lon = text(&se)
				}
			}
		case xml.EndElement:
			switch se.Name.Local {
			case "VehicleLocation":
				inVL = false
			case "MonitoredVehicleJourney":
				inMVJ = false
			case "VehicleActivity":
				if inVA {
					inVA = false
					if v, ok := cur.vehicle(); ok {
						vehicles = append(vehicles, v)
					}
				}
			case "VehicleMonitoringDelivery":
				inVMD = false
			case "ServiceDelivery":
				inSD = false
			case "Siri":
				inSiri = false
			}
		}
	}
	return vehicles, nil
}

func parseLatLon(lat, lon string) (float64, float64, bool) {
	lf, err1 := strconv.ParseFloat(lat, 64)
	if err1 != nil {
		return 0, 0, false
	}
	lo, err2 := strconv.ParseFloat(lon, 64)
	if err2 != nil {
		return 0, 0, false
	}
	return lf, lo, true
}
