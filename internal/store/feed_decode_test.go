package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestDecodeGtfsRt(t *testing.T) {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1_700_000_000),
		},
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String("e1"),
				Vehicle: &gtfs.VehiclePosition{
					Vehicle:   &gtfs.VehicleDescriptor{Id: proto.String("AA1"), Label: proto.String("21G")},
					Position:  &gtfs.Position{Latitude: proto.Float32(12.5), Longitude: proto.Float32(80.25), Bearing: proto.Float32(90)},
					Timestamp: proto.Uint64(1_700_000_100),
				},
			},
			{
				Id: proto.String("e2"),
				Vehicle: &gtfs.VehiclePosition{
					Vehicle:  &gtfs.VehicleDescriptor{Id: proto.String("AA2")},
					Position: &gtfs.Position{Latitude: proto.Float32(13), Longitude: proto.Float32(80)},
				},
			},
			{Id: proto.String("trip-only"), TripUpdate: &gtfs.TripUpdate{Trip: &gtfs.TripDescriptor{TripId: proto.String("t")}}},
			{
				Id:      proto.String("no-id"),
				Vehicle: &gtfs.VehiclePosition{Vehicle: &gtfs.VehicleDescriptor{}, Position: &gtfs.Position{Latitude: proto.Float32(1), Longitude: proto.Float32(1)}},
			},
		},
	}
	raw, err := proto.Marshal(feed)
	require.NoError(t, err)

	vs, err := decodeGtfsRt(raw)
	require.NoError(t, err)
	require.Len(t, vs, 2)

	assert.Equal(t, "AA1", vs[0].ID)
	assert.Equal(t, "21G", vs[0].Name)
	assert.InDelta(t, 12.5, vs[0].Lat, 1e-6)
	require.NotNil(t, vs[0].Bearing)
	assert.Equal(t, 90.0, *vs[0].Bearing)
	assert.Equal(t, int64(1_700_000_100_000), vs[0].Timestamp)

	assert.Nil(t, vs[1].Bearing)
	assert.Equal(t, int64(1_700_000_000_000), vs[1].Timestamp, "falls back to header time")

	_, err = decodeGtfsRt([]byte{0xff, 0xff})
	assert.Error(t, err)
}

const siriJSON = `{"Siri":{"ServiceDelivery":{"VehicleMonitoringDelivery":[{"VehicleActivity":[
 {"RecordedAtTime":"2023-11-14T22:13:20Z","MonitoredVehicleJourney":{"VehicleRef":"V1","PublishedLineName":"M15","Bearing":"180","VehicleLocation":{"Latitude":40.7,"Longitude":-73.9}}},
 {"MonitoredVehicleJourney":{"FramedVehicleJourneyRef":{"DatedVehicleJourneyRef":"J2"},"VehicleLocation":{"Latitude":"40.8","Longitude":"-73.8"}}},
 {"MonitoredVehicleJourney":{"VehicleRef":"V3","VehicleLocation":{"Latitude":0,"Longitude":0}}}
]}]}}}`

func TestDecodeSiriJSON(t *testing.T) {
	vs, err := decodeSiriJSON([]byte(siriJSON))
	require.NoError(t, err)
	require.Len(t, vs, 2)

	assert.Equal(t, "V1", vs[0].ID)
	assert.Equal(t, "M15", vs[0].Name)
	require.NotNil(t, vs[0].Bearing)
	assert.Equal(t, 180.0, *vs[0].Bearing)
	assert.Equal(t, int64(1_700_000_000_000), vs[0].Timestamp)

	assert.Equal(t, "J2", vs[1].ID)
	assert.Equal(t, 40.8, vs[1].Lat)
	assert.Zero(t, vs[1].Timestamp)

	_, err = decodeSiriJSON([]byte(`[`))
	assert.Error(t, err)
}

const siriXML = `<?xml version="1.0"?>
<Siri xmlns="http://www.siri.org.uk/siri">
 <ServiceDelivery>
  <VehicleMonitoringDelivery>
   <VehicleActivity>
    <RecordedAtTime>2023-11-14T22:13:20Z</RecordedAtTime>
    <MonitoredVehicleJourney>
     <PublishedLineName>B46</PublishedLineName>
     <VehicleLocation><Longitude>-73.95</Longitude><Latitude>40.65</Latitude></VehicleLocation>
     <Bearing>270</Bearing>
     <VehicleRef>X9</VehicleRef>
    </MonitoredVehicleJourney>
   </VehicleActivity>
   <VehicleActivity>
    <MonitoredVehicleJourney>
     <VehicleRef>X10</VehicleRef>
     <VehicleLocation><Latitude>bad</Latitude><Longitude>-73.9</Longitude></VehicleLocation>
    </MonitoredVehicleJourney>
   </VehicleActivity>
  </VehicleMonitoringDelivery>
 </ServiceDelivery>
</Siri>`

func TestDecodeSiriXML(t *testing.T) {
	vs, err := decodeSiriXML(strings.NewReader(siriXML))
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, Vehicle{
		ID: "X9", Name: "B46", Lat: 40.65, Lon: -73.95,
		Bearing: float64Ptr(270), Timestamp: 1_700_000_000_000,
	}, vs[0])
}

func TestHTTPFeedSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/siri.json":
			_, _ = w.Write([]byte(siriJSON))
		case "/siri.xml":
			_, _ = w.Write([]byte(siriXML))
		default:
			http.Error(w, "gone", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	vs, err := NewSiriJsonVehicleFeedSource(srv.URL+"/siri.json", time.Second).Fetch(ctx)
	require.NoError(t, err)
	assert.Len(t, vs, 2)

	vs, err = NewSiriXmlVehicleFeedSource(srv.URL+"/siri.xml", time.Second).Fetch(ctx)
	require.NoError(t, err)
	assert.Len(t, vs, 1)

	_, err = NewGtfsRtVehicleFeedSource(srv.URL+"/gtfs", time.Second).Fetch(ctx)
	assert.EqualError(t, err, "gtfs-rt http status: 503")
}
