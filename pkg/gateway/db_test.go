package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReserveThenActivateEndpoint(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.ReserveSlug("my-api"))

	exists, err := db.SlugExists("my-api")
	require.NoError(t, err)
	require.True(t, exists)

	// Not yet visible to readers: it's a pending reservation.
	got, err := db.GetEndpoint("my-api")
	require.NoError(t, err)
	require.Nil(t, got)

	endpoint, err := db.ActivateEndpoint("my-api", "0xOwner", "https://upstream.example/api", "$0.01", "10000", "an api")
	require.NoError(t, err)
	require.Equal(t, "my-api", endpoint.Slug)
	require.True(t, endpoint.Active)

	got, err = db.GetEndpoint("my-api")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "https://upstream.example/api", got.TargetURL)
}

func TestReserveSlugRejectsDuplicate(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.ReserveSlug("taken"))
	err := db.ReserveSlug("taken")
	require.Error(t, err)
}

func TestDeleteReservedSlugFreesItUp(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.ReserveSlug("abandoned"))
	require.NoError(t, db.DeleteReservedSlug("abandoned"))

	exists, err := db.SlugExists("abandoned")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, db.ReserveSlug("abandoned"))
}

func TestUpdateEndpointPartial(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.ReserveSlug("svc"))
	_, err := db.ActivateEndpoint("svc", "0xOwner", "https://a.example", "$0.01", "10000", "desc")
	require.NoError(t, err)

	newTarget := "https://b.example"
	updated, err := db.UpdateEndpoint("svc", &newTarget, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "https://b.example", updated.TargetURL)
	require.Equal(t, "$0.01", updated.PriceUSD)
}

func TestUpdateEndpointNotFound(t *testing.T) {
	db := openTestDB(t)
	newTarget := "https://b.example"
	_, err := db.UpdateEndpoint("missing", &newTarget, nil, nil, nil)
	require.Error(t, err)
}

func TestDeleteEndpointSoftDeletesAndFreesSlug(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.ReserveSlug("svc"))
	_, err := db.ActivateEndpoint("svc", "0xOwner", "https://a.example", "$0.01", "10000", "desc")
	require.NoError(t, err)

	require.NoError(t, db.DeleteEndpoint("svc"))

	got, err := db.GetEndpoint("svc")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, db.ReserveSlug("svc"))
}

func TestPurgeStaleReservations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.ReserveSlug("stale"))

	purged, err := db.PurgeStaleReservations(-1) // everything is "older" than now+1
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	exists, err := db.SlugExists("stale")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRecordPaymentAccumulatesRevenue(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.ReserveSlug("svc"))
	_, err := db.ActivateEndpoint("svc", "0xOwner", "https://a.example", "$0.01", "10000", "desc")
	require.NoError(t, err)

	require.NoError(t, db.RecordPayment("svc", "10000"))
	require.NoError(t, db.RecordPayment("svc", "20000"))

	stats, err := db.GetEndpointStats("svc")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.RequestCount)
	require.Equal(t, int64(2), stats.PaymentCount)
	require.Equal(t, "30000", stats.RevenueTotal)
}

func TestRecordRequestWithoutPaymentDoesNotTouchRevenue(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.ReserveSlug("svc"))
	_, err := db.ActivateEndpoint("svc", "0xOwner", "https://a.example", "$0.01", "10000", "desc")
	require.NoError(t, err)

	require.NoError(t, db.RecordRequest("svc"))

	stats, err := db.GetEndpointStats("svc")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.RequestCount)
	require.Equal(t, int64(0), stats.PaymentCount)
	require.Equal(t, "0", stats.RevenueTotal)
}

func TestListEndpointsSkipsReservations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.ReserveSlug("pending"))
	require.NoError(t, db.ReserveSlug("svc"))
	_, err := db.ActivateEndpoint("svc", "0xOwner", "https://a.example", "$0.01", "10000", "desc")
	require.NoError(t, err)

	endpoints, err := db.ListEndpoints(100, 0)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	require.Equal(t, "svc", endpoints[0].Slug)
}
