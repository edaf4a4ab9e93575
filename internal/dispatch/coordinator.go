// Package dispatch synchronizes a delivery person's offer set with the
// backend and relays cluster status transitions. All offer actions are
// confirm-then-update: local state changes only after the server responds.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ARCHER1511/techperts-dispatch/internal/clock"
	"github.com/ARCHER1511/techperts-dispatch/internal/session"
	"github.com/ARCHER1511/techperts-dispatch/pkg/logger"
	"github.com/ARCHER1511/techperts-dispatch/pkg/types"
)

var (
	// ErrNoIdentity is returned when the session has no driver identity.
	// Every operation checks this before touching the network.
	ErrNoIdentity = errors.New("no driver identity in session")
	// ErrOfferTerminal is returned when an action targets an offer the local
	// cache already knows to be in a terminal status.
	ErrOfferTerminal = errors.New("offer already in a terminal status")
	// ErrClusterTerminal is returned when a status update would reopen a
	// cluster the local cache knows to be terminal.
	ErrClusterTerminal = errors.New("cluster already in a terminal status")
)

// Filter selects which offers a fetch returns.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterPending Filter = "pending"
)

// Options configures a Coordinator.
type Options struct {
	// BaseURL is the backend API base URL.
	BaseURL string
	// HTTPTimeout is the per-request timeout.
	HTTPTimeout time.Duration
	// Clock overrides the time source used by the expiry query.
	Clock clock.Clock
}

// Coordinator owns the in-memory offer and cluster caches for one delivery
// person and applies every mutation through the backend first.
//
// Nothing serializes caller-issued requests: a fetch racing an action is
// resolved last-response-wins by arrival time. The cache mutex protects the
// maps, not the ordering.
type Coordinator struct {
	api     *apiClient
	session session.Context
	clk     clock.Clock

	mu       sync.Mutex
	offers   map[string]types.DeliveryOffer
	order    []string
	history  []types.DeliveryOffer
	clusters map[string]types.DeliveryCluster
}

// NewCoordinator creates a Coordinator for the session's delivery person.
func NewCoordinator(sess session.Context, opts Options) *Coordinator {
	if opts.HTTPTimeout == 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Coordinator{
		api:      newAPIClient(opts.BaseURL, opts.HTTPTimeout, sess),
		session:  sess,
		clk:      opts.Clock,
		offers:   make(map[string]types.DeliveryOffer),
		clusters: make(map[string]types.DeliveryCluster),
	}
}

// Close releases the underlying HTTP client.
func (c *Coordinator) Close() {
	c.api.close()
}

func (c *Coordinator) driverID() (string, error) {
	id := c.session.Identity()
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

// FetchOffers retrieves the driver's offers and replaces the local cache
// wholesale: the fetched set is authoritative at the moment it arrives.
func (c *Coordinator) FetchOffers(ctx context.Context, filter Filter) ([]types.DeliveryOffer, error) {
	driverID, err := c.driverID()
	if err != nil {
		return nil, err
	}

	fetched, err := c.api.offers(ctx, driverID, filter)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.offers = make(map[string]types.DeliveryOffer, len(fetched))
	c.order = c.order[:0]
	for _, offer := range fetched {
		if offer.Status.Terminal() {
			c.upsertHistoryLocked(offer)
			continue
		}
		if _, ok := c.offers[offer.ID]; ok {
			// At most one live entry per id.
			continue
		}
		c.offers[offer.ID] = offer
		c.order = append(c.order, offer.ID)
		// The fetched set is authoritative: a non-terminal fetch result
		// overrides stale terminal knowledge from an earlier action.
		c.dropHistoryLocked(offer.ID)
	}
	actionable := c.offersLocked()
	c.mu.Unlock()

	logger.Debugf("dispatch: fetched %d offers (%s), %d actionable", len(fetched), filter, len(actionable))
	return actionable, nil
}

// AcceptOffer accepts an offer. The local entry is updated only after the
// server confirms; a failure leaves local state untouched for the caller to
// retry manually. Offers already terminal in the local cache are rejected
// without a network call.
func (c *Coordinator) AcceptOffer(ctx context.Context, offerID string) (types.DeliveryOffer, error) {
	return c.offerAction(ctx, offerID, "accept")
}

// DeclineOffer declines an offer with the same confirmation policy as
// AcceptOffer. On success the offer moves to history.
func (c *Coordinator) DeclineOffer(ctx context.Context, offerID string) (types.DeliveryOffer, error) {
	return c.offerAction(ctx, offerID, "decline")
}

// CancelOffer cancels an offer with the same confirmation policy as
// AcceptOffer. On success the offer moves to history.
func (c *Coordinator) CancelOffer(ctx context.Context, offerID string) (types.DeliveryOffer, error) {
	return c.offerAction(ctx, offerID, "cancel")
}

func (c *Coordinator) offerAction(ctx context.Context, offerID, action string) (types.DeliveryOffer, error) {
	driverID, err := c.driverID()
	if err != nil {
		return types.DeliveryOffer{}, err
	}

	// Known-terminal offers never go back to the server; for ids the cache
	// has not confirmed, the server stays the arbiter.
	c.mu.Lock()
	for _, past := range c.history {
		if past.ID == offerID && past.Status.Terminal() {
			c.mu.Unlock()
			return types.DeliveryOffer{}, ErrOfferTerminal
		}
	}
	c.mu.Unlock()

	updated, err := c.api.offerAction(ctx, driverID, offerID, action)
	if err != nil {
		logger.Warnf("dispatch: %s offer %s failed: %v", action, offerID, err)
		return types.DeliveryOffer{}, err
	}

	c.mu.Lock()
	c.applyOfferLocked(updated)
	c.mu.Unlock()

	logger.Infof("dispatch: offer %s %sed, status=%s", offerID, action, updated.Status)
	return updated, nil
}

// UpdateClusterStatus requests a cluster status transition. The server is the
// sole arbiter of transition legality; the only local block is reopening a
// cluster the cache knows to be terminal, which is an obviously wasted round
// trip. Terminal-to-terminal corrections are still forwarded because the
// cache is eventually consistent.
func (c *Coordinator) UpdateClusterStatus(ctx context.Context, clusterID string, newStatus types.ClusterStatus, assignedDriverID string) (types.DeliveryCluster, error) {
	if _, err := c.driverID(); err != nil {
		return types.DeliveryCluster{}, err
	}

	c.mu.Lock()
	cached, ok := c.clusters[clusterID]
	c.mu.Unlock()
	if ok && cached.Status.Terminal() && !newStatus.Terminal() {
		return types.DeliveryCluster{}, ErrClusterTerminal
	}

	updated, err := c.api.updateClusterStatus(ctx, clusterID, clusterStatusUpdate{
		Status:           newStatus,
		AssignedDriverID: assignedDriverID,
	})
	if err != nil {
		logger.Warnf("dispatch: cluster %s status update failed: %v", clusterID, err)
		return types.DeliveryCluster{}, err
	}

	c.cacheCluster(updated)
	logger.Infof("dispatch: cluster %s status=%s", clusterID, updated.Status)
	return updated, nil
}

// FetchCluster retrieves a cluster and refreshes the cached copy.
func (c *Coordinator) FetchCluster(ctx context.Context, clusterID string) (types.DeliveryCluster, error) {
	if _, err := c.driverID(); err != nil {
		return types.DeliveryCluster{}, err
	}
	cluster, err := c.api.cluster(ctx, clusterID)
	if err != nil {
		return types.DeliveryCluster{}, err
	}
	c.cacheCluster(cluster)
	return cluster, nil
}

// FetchClustersByDelivery retrieves all clusters for a delivery and refreshes
// the cached copies.
func (c *Coordinator) FetchClustersByDelivery(ctx context.Context, deliveryID string) ([]types.DeliveryCluster, error) {
	if _, err := c.driverID(); err != nil {
		return nil, err
	}
	clusters, err := c.api.clustersByDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	for _, cluster := range clusters {
		c.cacheCluster(cluster)
	}
	return clusters, nil
}

// FetchClusterTracking retrieves the tracking record for a cluster.
func (c *Coordinator) FetchClusterTracking(ctx context.Context, clusterID string) (types.ClusterTracking, error) {
	if _, err := c.driverID(); err != nil {
		return types.ClusterTracking{}, err
	}
	tracking, err := c.api.clusterTracking(ctx, clusterID)
	if err != nil {
		return types.ClusterTracking{}, err
	}

	c.mu.Lock()
	if cluster, ok := c.clusters[clusterID]; ok {
		cluster.Tracking = &tracking
		c.clusters[clusterID] = cluster
	}
	c.mu.Unlock()
	return tracking, nil
}

// UpdateClusterTracking sends the full tracking record for a cluster and
// refreshes the cached copy with the server's view.
func (c *Coordinator) UpdateClusterTracking(ctx context.Context, clusterID string, tracking types.ClusterTracking) (types.ClusterTracking, error) {
	if _, err := c.driverID(); err != nil {
		return types.ClusterTracking{}, err
	}
	updated, err := c.api.updateClusterTracking(ctx, clusterID, tracking)
	if err != nil {
		logger.Warnf("dispatch: cluster %s tracking update failed: %v", clusterID, err)
		return types.ClusterTracking{}, err
	}

	c.mu.Lock()
	if cluster, ok := c.clusters[clusterID]; ok {
		cluster.Tracking = &updated
		c.clusters[clusterID] = cluster
	}
	c.mu.Unlock()
	return updated, nil
}

// AssignDriver asks the backend to assign a driver to a cluster.
func (c *Coordinator) AssignDriver(ctx context.Context, clusterID, driverID string) (types.DeliveryCluster, error) {
	if _, err := c.driverID(); err != nil {
		return types.DeliveryCluster{}, err
	}
	cluster, err := c.api.assignDriver(ctx, clusterID, driverID)
	if err != nil {
		return types.DeliveryCluster{}, err
	}
	c.cacheCluster(cluster)
	return cluster, nil
}

// UnassignedClusters lists clusters with no assigned driver.
func (c *Coordinator) UnassignedClusters(ctx context.Context) ([]types.DeliveryCluster, error) {
	if _, err := c.driverID(); err != nil {
		return nil, err
	}
	clusters, err := c.api.unassignedClusters(ctx)
	if err != nil {
		return nil, err
	}
	for _, cluster := range clusters {
		c.cacheCluster(cluster)
	}
	return clusters, nil
}

// ExpiredOffers returns actionable offers whose expiry time has passed. The
// statuses are not touched: only a fetched authoritative Expired status is
// trusted, this query exists so the caller can surface them.
func (c *Coordinator) ExpiredOffers() []types.DeliveryOffer {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []types.DeliveryOffer
	for _, id := range c.order {
		offer := c.offers[id]
		if offer.Status != types.OfferPending || offer.ExpiryTime == nil {
			continue
		}
		if !offer.ExpiryTime.After(now) {
			expired = append(expired, offer)
		}
	}
	return expired
}

// Offers returns the actionable offer set in fetch order.
func (c *Coordinator) Offers() []types.DeliveryOffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offersLocked()
}

// History returns offers that reached a terminal status.
func (c *Coordinator) History() []types.DeliveryOffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.DeliveryOffer, len(c.history))
	copy(out, c.history)
	return out
}

// Clusters returns the cached cluster copies.
func (c *Coordinator) Clusters() []types.DeliveryCluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.DeliveryCluster, 0, len(c.clusters))
	for _, cluster := range c.clusters {
		out = append(out, cluster)
	}
	return out
}

func (c *Coordinator) offersLocked() []types.DeliveryOffer {
	out := make([]types.DeliveryOffer, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.offers[id])
	}
	return out
}

// applyOfferLocked reconciles a server-confirmed offer into the cache.
// Terminal offers leave the actionable set and land in history.
func (c *Coordinator) applyOfferLocked(offer types.DeliveryOffer) {
	if offer.Status.Terminal() {
		if _, ok := c.offers[offer.ID]; ok {
			delete(c.offers, offer.ID)
			for i, id := range c.order {
				if id == offer.ID {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
		}
		c.upsertHistoryLocked(offer)
		return
	}
	if _, ok := c.offers[offer.ID]; !ok {
		c.order = append(c.order, offer.ID)
	}
	c.offers[offer.ID] = offer
}

func (c *Coordinator) dropHistoryLocked(offerID string) {
	for i, past := range c.history {
		if past.ID == offerID {
			c.history = append(c.history[:i], c.history[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) upsertHistoryLocked(offer types.DeliveryOffer) {
	for i, past := range c.history {
		if past.ID == offer.ID {
			c.history[i] = offer
			return
		}
	}
	c.history = append(c.history, offer)
}

func (c *Coordinator) cacheCluster(cluster types.DeliveryCluster) {
	c.mu.Lock()
	c.clusters[cluster.ID] = cluster
	c.mu.Unlock()
}
