// Package testutil holds fixture builders shared across package tests:
// synthetic GTFS-rt feed messages and small pointer helpers. Grounded on
// the teacher's testutil.BuildStatic, which played the same role for
// synthetic static-schedule CSVs.
package testutil

import (
	"testing"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func StrPtr(s string) *string { return &s }
func U64Ptr(u uint64) *uint64 { return &u }
func I64Ptr(i int64) *int64   { return &i }

// FeedHeader returns a well-formed 2.0 FULL_DATASET header at the given
// feed timestamp, the shape every synthetic FeedMessage in this package's
// tests starts from.
func FeedHeader(timestamp uint64) *gtfsrt.FeedHeader {
	ver := "2.0"
	incr := gtfsrt.FeedHeader_FULL_DATASET
	return &gtfsrt.FeedHeader{
		GtfsRealtimeVersion: &ver,
		Incrementality:      &incr,
		Timestamp:           U64Ptr(timestamp),
	}
}

// TripUpdateEntity builds a single FeedEntity carrying one TripUpdate
// with one stop-time update, the minimal shape the decode package
// accepts.
func TripUpdateEntity(entityID, tripID, routeID, stopID string, delaySeconds int64) *gtfsrt.FeedEntity {
	return &gtfsrt.FeedEntity{
		Id: StrPtr(entityID),
		TripUpdate: &gtfsrt.TripUpdate{
			Trip: &gtfsrt.TripDescriptor{TripId: StrPtr(tripID), RouteId: StrPtr(routeID)},
			StopTimeUpdate: []*gtfsrt.TripUpdate_StopTimeUpdate{
				{StopId: StrPtr(stopID), Arrival: &gtfsrt.TripUpdate_StopTimeEvent{Delay: I64Ptr(delaySeconds)}},
			},
		},
	}
}

// FeedMessage assembles a full FeedMessage from a header timestamp and a
// set of entities, ready for Marshal.
func FeedMessage(timestamp uint64, entities ...*gtfsrt.FeedEntity) *gtfsrt.FeedMessage {
	return &gtfsrt.FeedMessage{
		Header: FeedHeader(timestamp),
		Entity: entities,
	}
}

// MustMarshal marshals msg to wire bytes, failing the test on error.
func MustMarshal(t testing.TB, msg *gtfsrt.FeedMessage) []byte {
	t.Helper()
	b, err := proto.Marshal(msg)
	require.NoError(t, err)
	return b
}
