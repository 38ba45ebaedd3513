package decode

import (
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.transitwatch.dev/core/internal/model"
	"go.transitwatch.dev/core/internal/testutil"
)

func TestDecodeNominal(t *testing.T) {
	entity := testutil.TripUpdateEntity("e1", "t1", "6", "s1", 30)
	entity.TripUpdate.StopTimeUpdate = append(entity.TripUpdate.StopTimeUpdate, &gtfsrt.TripUpdate_StopTimeUpdate{
		StopId:    testutil.StrPtr("s2"),
		Departure: &gtfsrt.TripUpdate_StopTimeEvent{Delay: testutil.I64Ptr(15)},
	})
	msg := testutil.FeedMessage(1700000000, entity)

	res, err := Decode(testutil.MustMarshal(t, msg))
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntitiesSeen)
	assert.Equal(t, 0, res.SkippedCount)
	assert.False(t, res.Partial)
	require.Len(t, res.TripUpdates, 2)
	assert.Equal(t, "t1", res.TripUpdates[0].TripID)
	require.NotNil(t, res.TripUpdates[0].DelaySeconds)
	assert.Equal(t, int64(30), *res.TripUpdates[0].DelaySeconds)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	ver := "9.9"
	incr := gtfsrt.FeedHeader_FULL_DATASET
	msg := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: &ver, Incrementality: &incr, Timestamp: testutil.U64Ptr(1700000000)},
	}
	_, err := Decode(testutil.MustMarshal(t, msg))
	assert.ErrorIs(t, err, ErrHeaderUnparseable)
}

func TestDecodeSkipsMalformedEntityButSucceeds(t *testing.T) {
	msg := testutil.FeedMessage(1700000000,
		&gtfsrt.FeedEntity{Id: testutil.StrPtr("bad"), TripUpdate: &gtfsrt.TripUpdate{Trip: &gtfsrt.TripDescriptor{}}},
		testutil.TripUpdateEntity("good", "t2", "6", "s1", 0),
	)
	// the "good" entity only needs a stop update with no delay set.
	msg.Entity[1].TripUpdate.StopTimeUpdate[0].Arrival = nil

	res, err := Decode(testutil.MustMarshal(t, msg))
	require.NoError(t, err)
	assert.Equal(t, 2, res.EntitiesSeen)
	assert.Equal(t, 1, res.SkippedCount)
	assert.True(t, res.Partial)
	require.Len(t, res.TripUpdates, 1)
}

func TestResolveLaterWins(t *testing.T) {
	early := newTripUpdate("t1", "s1", 100, 10)
	late := newTripUpdate("t1", "s1", 200, 20)
	other := newTripUpdate("t1", "s2", 150, 5)

	out := ResolveLaterWins([]model.TripUpdate{early, late, other})
	require.Len(t, out, 2)

	byStop := map[string]model.TripUpdate{}
	for _, u := range out {
		byStop[u.NextStopID] = u
	}
	require.NotNil(t, byStop["s1"].DelaySeconds)
	assert.Equal(t, int64(20), *byStop["s1"].DelaySeconds)
}

func newTripUpdate(tripID, stopID string, unixTS int64, delay int64) model.TripUpdate {
	d := delay
	return model.TripUpdate{
		TripID:       tripID,
		NextStopID:   stopID,
		ObservedAt:   time.Unix(unixTS, 0).UTC(),
		DelaySeconds: &d,
	}
}
