package catalog

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestLoadMissingFiles(t *testing.T) {
	_, err := Load(buildBundle(t, map[string]string{}), nil)
	assert.ErrorIs(t, err, ErrCatalogMissing)
}

func TestLoadRollsUpChildStops(t *testing.T) {
	bundle := buildBundle(t, map[string]string{
		"routes.txt": "route_id,route_short_name,route_type\n6,6,1\n",
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon,parent_station\n" +
			"635,635 St,40.8,-73.9,\n" +
			"635N,635 St (platform),40.8,-73.9,635\n",
	})

	c, err := Load(bundle, nil)
	require.NoError(t, err)

	station, ok := c.LookupStation("635N")
	require.True(t, ok)
	assert.Equal(t, "635", station.StopID)
	assert.True(t, station.IsAnalyticsUnit())

	// The child stop itself is never surfaced as a distinct analytics
	// unit.
	for _, s := range c.Stations() {
		assert.NotEqual(t, "635N", s.StopID)
	}

	route, ok := c.LookupRoute("6")
	require.True(t, ok)
	assert.Equal(t, "6", route.DisplayName)
}

func TestLoadSkipsInvalidRows(t *testing.T) {
	bundle := buildBundle(t, map[string]string{
		"routes.txt": "route_id,route_short_name,route_type\n,bad,1\n6,6,1\n",
		"stops.txt":  "stop_id,stop_name,stop_lat,stop_lon\n1,A,1.0,1.0\n",
	})

	c, err := Load(bundle, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Skipped())
	_, ok := c.LookupRoute("6")
	assert.True(t, ok)
}

func TestStationsInBounds(t *testing.T) {
	bundle := buildBundle(t, map[string]string{
		"routes.txt": "route_id,route_short_name,route_type\n6,6,1\n",
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
			"a,A,40.0,-73.0\n" +
			"b,B,41.0,-74.0\n",
	})
	c, err := Load(bundle, nil)
	require.NoError(t, err)

	in := c.StationsInBounds(BBox{MinLat: 39.5, MaxLat: 40.5, MinLon: -73.5, MaxLon: -72.5})
	require.Len(t, in, 1)
	assert.Equal(t, "a", in[0].StopID)
}
