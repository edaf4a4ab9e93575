package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ARCHER1511/techperts-dispatch/internal/clock/clocktest"
	"github.com/ARCHER1511/techperts-dispatch/internal/session"
	"github.com/ARCHER1511/techperts-dispatch/pkg/types"
)

const testDriverID = "driver-1"

// backend is a scriptable stand-in for the dispatch API. Handlers are keyed
// by "METHOD path" and every request is counted.
type backend struct {
	mu       sync.Mutex
	hits     map[string]int
	handlers map[string]http.HandlerFunc
	srv      *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		hits:     make(map[string]int),
		handlers: make(map[string]http.HandlerFunc),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		b.hits[key]++
		h := b.handlers[key]
		b.mu.Unlock()
		if h == nil {
			t.Errorf("unexpected request %s", key)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) handle(key string, h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key] = h
}

// reply registers a handler returning a success envelope around data.
func (b *backend) reply(key string, data any) {
	b.handle(key, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, "", data)
	})
}

func (b *backend) hitCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[key]
}

func (b *backend) totalHits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.hits {
		total += n
	}
	return total
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"message": message,
		"data":    data,
	})
}

func newTestCoordinator(t *testing.T, b *backend, opts Options) *Coordinator {
	t.Helper()
	opts.BaseURL = b.srv.URL
	c := NewCoordinator(session.Static{Token: "tok", DriverID: testDriverID}, opts)
	t.Cleanup(c.Close)
	return c
}

func pendingOffer(id string, expiry *time.Time) types.DeliveryOffer {
	return types.DeliveryOffer{
		ID:         id,
		ClusterID:  "cluster-" + id,
		DriverID:   testDriverID,
		Status:     types.OfferPending,
		ExpiryTime: expiry,
		IsActive:   true,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestCoordinator_NoIdentity(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	c := NewCoordinator(session.Static{Token: "tok"}, Options{BaseURL: b.srv.URL})
	t.Cleanup(c.Close)
	ctx := context.Background()

	_, err := c.FetchOffers(ctx, FilterAll)
	require.ErrorIs(t, err, ErrNoIdentity)
	_, err = c.AcceptOffer(ctx, "o1")
	require.ErrorIs(t, err, ErrNoIdentity)
	_, err = c.UpdateClusterStatus(ctx, "c1", types.ClusterInProgress, "")
	require.ErrorIs(t, err, ErrNoIdentity)
	_, err = c.UnassignedClusters(ctx)
	require.ErrorIs(t, err, ErrNoIdentity)

	require.Equal(t, 0, b.totalHits())
}

func TestCoordinator_FetchThenAccept(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	o1 := pendingOffer("o1", nil)
	o2 := pendingOffer("o2", nil)
	o3 := pendingOffer("o3", nil)
	o3.Status = types.OfferDeclined
	b.reply("GET /DeliveryPerson/driver-1/offers/all", []types.DeliveryOffer{o1, o2, o3})

	accepted := o1
	accepted.Status = types.OfferAccepted
	b.reply("POST /DeliveryPerson/driver-1/offers/o1/accept", accepted)

	c := newTestCoordinator(t, b, Options{})
	ctx := context.Background()

	offers, err := c.FetchOffers(ctx, FilterAll)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	require.Equal(t, "o1", offers[0].ID)
	require.Equal(t, "o2", offers[1].ID)

	// Terminal offers from the fetch go straight to history.
	history := c.History()
	require.Len(t, history, 1)
	require.Equal(t, "o3", history[0].ID)

	got, err := c.AcceptOffer(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, types.OfferAccepted, got.Status)

	offers = c.Offers()
	require.Len(t, offers, 1)
	require.Equal(t, "o2", offers[0].ID)

	history = c.History()
	require.Len(t, history, 2)
	require.Equal(t, types.OfferAccepted, history[1].Status)
}

func TestCoordinator_TerminalOfferRejectedLocally(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	o1 := pendingOffer("o1", nil)
	b.reply("GET /DeliveryPerson/driver-1/offers/pending", []types.DeliveryOffer{o1})

	declined := o1
	declined.Status = types.OfferDeclined
	b.reply("POST /DeliveryPerson/driver-1/offers/o1/decline", declined)

	c := newTestCoordinator(t, b, Options{})
	ctx := context.Background()

	_, err := c.FetchOffers(ctx, FilterPending)
	require.NoError(t, err)
	_, err = c.DeclineOffer(ctx, "o1")
	require.NoError(t, err)

	// Further actions on a known-terminal offer never reach the server.
	_, err = c.AcceptOffer(ctx, "o1")
	require.ErrorIs(t, err, ErrOfferTerminal)
	_, err = c.CancelOffer(ctx, "o1")
	require.ErrorIs(t, err, ErrOfferTerminal)

	require.Equal(t, 0, b.hitCount("POST /DeliveryPerson/driver-1/offers/o1/accept"))
	require.Equal(t, 0, b.hitCount("POST /DeliveryPerson/driver-1/offers/o1/cancel"))
}

func TestCoordinator_ActionFailureLeavesState(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	o1 := pendingOffer("o1", nil)
	b.reply("GET /DeliveryPerson/driver-1/offers/all", []types.DeliveryOffer{o1})
	b.handle("POST /DeliveryPerson/driver-1/offers/o1/decline", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, false, "offer no longer pending", nil)
	})
	b.handle("POST /DeliveryPerson/driver-1/offers/o1/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusConflict, false, "offer locked", nil)
	})

	c := newTestCoordinator(t, b, Options{})
	ctx := context.Background()

	_, err := c.FetchOffers(ctx, FilterAll)
	require.NoError(t, err)

	// A success=false envelope on a 2xx is still a rejection.
	_, err = c.DeclineOffer(ctx, "o1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "offer no longer pending", apiErr.Message)

	// So is a non-2xx status.
	_, err = c.CancelOffer(ctx, "o1")
	apiErr = nil
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.Status)

	// Local state is untouched either way.
	offers := c.Offers()
	require.Len(t, offers, 1)
	require.Equal(t, types.OfferPending, offers[0].Status)
	require.Empty(t, c.History())
}

func TestCoordinator_FetchReinstatesOffer(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	o1 := pendingOffer("o1", nil)
	b.reply("GET /DeliveryPerson/driver-1/offers/all", []types.DeliveryOffer{o1})

	accepted := o1
	accepted.Status = types.OfferAccepted
	b.reply("POST /DeliveryPerson/driver-1/offers/o1/accept", accepted)

	c := newTestCoordinator(t, b, Options{})
	ctx := context.Background()

	_, err := c.FetchOffers(ctx, FilterAll)
	require.NoError(t, err)
	_, err = c.AcceptOffer(ctx, "o1")
	require.NoError(t, err)
	require.Empty(t, c.Offers())

	// A later fetch still reporting o1 as pending is the newer authoritative
	// snapshot: the offer is reinstated and the stale terminal entry dropped.
	_, err = c.FetchOffers(ctx, FilterAll)
	require.NoError(t, err)
	offers := c.Offers()
	require.Len(t, offers, 1)
	require.Equal(t, types.OfferPending, offers[0].Status)
	require.Empty(t, c.History())

	// The reinstated offer is actionable again, server as arbiter.
	_, err = c.AcceptOffer(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, 2, b.hitCount("POST /DeliveryPerson/driver-1/offers/o1/accept"))
}

func TestCoordinator_ClusterStatusRules(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	cancelled := types.DeliveryCluster{ID: "c1", Status: types.ClusterCancelled}
	b.reply("GET /DeliveryCluster/c1", cancelled)

	var gotBody clusterStatusUpdate
	b.handle("PUT /DeliveryCluster/c1/status", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeEnvelope(w, http.StatusOK, true, "", types.DeliveryCluster{ID: "c1", Status: gotBody.Status})
	})

	c := newTestCoordinator(t, b, Options{})
	ctx := context.Background()

	_, err := c.FetchCluster(ctx, "c1")
	require.NoError(t, err)

	// Terminal-to-terminal corrections are forwarded; the server arbitrates.
	updated, err := c.UpdateClusterStatus(ctx, "c1", types.ClusterCompleted, "")
	require.NoError(t, err)
	require.Equal(t, types.ClusterCompleted, updated.Status)
	require.Equal(t, types.ClusterCompleted, gotBody.Status)

	// Reopening a known-terminal cluster is refused without a round trip.
	_, err = c.UpdateClusterStatus(ctx, "c1", types.ClusterInProgress, "")
	require.ErrorIs(t, err, ErrClusterTerminal)
	require.Equal(t, 1, b.hitCount("PUT /DeliveryCluster/c1/status"))

	// Clusters the cache has never seen always go to the server.
	b.reply("PUT /DeliveryCluster/c2/status", types.DeliveryCluster{ID: "c2", Status: types.ClusterInProgress})
	updated, err = c.UpdateClusterStatus(ctx, "c2", types.ClusterInProgress, testDriverID)
	require.NoError(t, err)
	require.Equal(t, types.ClusterInProgress, updated.Status)
}

func TestCoordinator_ExpiredOffers(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clocktest.New(now)

	b := newBackend(t)
	b.reply("GET /DeliveryPerson/driver-1/offers/pending", []types.DeliveryOffer{
		pendingOffer("past", timePtr(now.Add(-time.Minute))),
		pendingOffer("future", timePtr(now.Add(time.Hour))),
		pendingOffer("open", nil),
	})

	c := newTestCoordinator(t, b, Options{Clock: clk})
	_, err := c.FetchOffers(context.Background(), FilterPending)
	require.NoError(t, err)

	expired := c.ExpiredOffers()
	require.Len(t, expired, 1)
	require.Equal(t, "past", expired[0].ID)

	clk.Advance(2 * time.Hour)
	expired = c.ExpiredOffers()
	require.Len(t, expired, 2)

	// The query never mutates statuses: only the server expires offers.
	for _, offer := range c.Offers() {
		require.Equal(t, types.OfferPending, offer.Status)
	}
}

func TestCoordinator_ClusterHelpers(t *testing.T) {
	t.Parallel()

	b := newBackend(t)
	cluster := types.DeliveryCluster{ID: "c1", DeliveryID: "d9", Status: types.ClusterAssigned}
	b.reply("GET /DeliveryCluster/c1", cluster)
	b.reply("GET /DeliveryCluster/c1/tracking", types.ClusterTracking{
		ClusterID: "c1",
		Location:  "warehouse-3",
	})
	b.reply("GET /DeliveryCluster/unassigned", []types.DeliveryCluster{
		{ID: "u1", Status: types.ClusterPending},
		{ID: "u2", Status: types.ClusterPending},
	})
	b.reply("GET /DeliveryCluster/delivery/d9", []types.DeliveryCluster{cluster})
	b.reply("POST /DeliveryCluster/u1/assign-driver/driver-1", types.DeliveryCluster{
		ID:               "u1",
		Status:           types.ClusterAssigned,
		AssignedDriverID: testDriverID,
	})

	c := newTestCoordinator(t, b, Options{})
	ctx := context.Background()

	_, err := c.FetchCluster(ctx, "c1")
	require.NoError(t, err)

	tracking, err := c.FetchClusterTracking(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "warehouse-3", tracking.Location)

	// The tracking record is attached to the cached cluster.
	var cached *types.DeliveryCluster
	for _, cl := range c.Clusters() {
		if cl.ID == "c1" {
			cached = &cl
			break
		}
	}
	require.NotNil(t, cached)
	require.NotNil(t, cached.Tracking)
	require.Equal(t, "warehouse-3", cached.Tracking.Location)

	// Tracking updates PATCH the full record and refresh the cached copy.
	var patched types.ClusterTracking
	b.handle("PATCH /DeliveryCluster/c1/tracking", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
		writeEnvelope(w, http.StatusOK, true, "", patched)
	})
	tracking.Location = "out-for-delivery"
	tracking.PickupConfirmed = true
	updated, err := c.UpdateClusterTracking(ctx, "c1", tracking)
	require.NoError(t, err)
	require.Equal(t, "out-for-delivery", updated.Location)
	require.True(t, patched.PickupConfirmed)
	for _, cl := range c.Clusters() {
		if cl.ID == "c1" {
			require.Equal(t, "out-for-delivery", cl.Tracking.Location)
		}
	}

	unassigned, err := c.UnassignedClusters(ctx)
	require.NoError(t, err)
	require.Len(t, unassigned, 2)
	require.Len(t, c.Clusters(), 3)

	assigned, err := c.AssignDriver(ctx, "u1", testDriverID)
	require.NoError(t, err)
	require.Equal(t, testDriverID, assigned.AssignedDriverID)

	byDelivery, err := c.FetchClustersByDelivery(ctx, "d9")
	require.NoError(t, err)
	require.Len(t, byDelivery, 1)
}
