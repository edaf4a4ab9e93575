package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"resty.dev/v3"

	"github.com/ARCHER1511/techperts-dispatch/internal/session"
	"github.com/ARCHER1511/techperts-dispatch/pkg/logger"
	"github.com/ARCHER1511/techperts-dispatch/pkg/types"
)

// APIError is a backend rejection: either a non-2xx response or a 2xx
// envelope with success=false. Message carries the server's message when the
// backend supplied one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (status %d)", e.Status)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// apiClient wraps the backend REST surface used by the coordinator. Every
// request carries the session's current bearer token.
type apiClient struct {
	http    *resty.Client
	session session.Context
}

func newAPIClient(baseURL string, timeout time.Duration, sess session.Context) *apiClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	return &apiClient{http: c, session: sess}
}

func (c *apiClient) close() {
	_ = c.http.Close()
}

// call issues a request and unwraps the GeneralResponse envelope.
func call[T any](ctx context.Context, c *apiClient, method, path string, body any) (T, error) {
	var env types.GeneralResponse[T]
	var zero T

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.session.Credential()).
		SetResult(&env).
		SetError(&env)
	if body != nil {
		req.SetBody(body)
	}

	logger.Tracef("dispatch: %s %s", method, path)
	res, err := req.Execute(method, path)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if res.IsError() {
		return zero, &APIError{Status: res.StatusCode(), Message: env.Message}
	}
	if !env.Success {
		return zero, &APIError{Status: res.StatusCode(), Message: env.Message}
	}
	return env.Data, nil
}

func get[T any](ctx context.Context, c *apiClient, path string) (T, error) {
	return call[T](ctx, c, "GET", path, nil)
}

func post[T any](ctx context.Context, c *apiClient, path string, body any) (T, error) {
	return call[T](ctx, c, "POST", path, body)
}

func put[T any](ctx context.Context, c *apiClient, path string, body any) (T, error) {
	return call[T](ctx, c, "PUT", path, body)
}

func patch[T any](ctx context.Context, c *apiClient, path string, body any) (T, error) {
	return call[T](ctx, c, "PATCH", path, body)
}

func (c *apiClient) offers(ctx context.Context, driverID string, filter Filter) ([]types.DeliveryOffer, error) {
	path := fmt.Sprintf("/DeliveryPerson/%s/offers/%s", url.PathEscape(driverID), filter)
	return get[[]types.DeliveryOffer](ctx, c, path)
}

func (c *apiClient) offerAction(ctx context.Context, driverID, offerID, action string) (types.DeliveryOffer, error) {
	path := fmt.Sprintf("/DeliveryPerson/%s/offers/%s/%s",
		url.PathEscape(driverID), url.PathEscape(offerID), action)
	return post[types.DeliveryOffer](ctx, c, path, nil)
}

// clusterStatusUpdate is the PUT body for a cluster status transition.
type clusterStatusUpdate struct {
	Status           types.ClusterStatus `json:"status"`
	AssignedDriverID string              `json:"assignedDriverId,omitempty"`
}

func (c *apiClient) updateClusterStatus(ctx context.Context, clusterID string, body clusterStatusUpdate) (types.DeliveryCluster, error) {
	path := fmt.Sprintf("/DeliveryCluster/%s/status", url.PathEscape(clusterID))
	return put[types.DeliveryCluster](ctx, c, path, body)
}

func (c *apiClient) cluster(ctx context.Context, clusterID string) (types.DeliveryCluster, error) {
	return get[types.DeliveryCluster](ctx, c, "/DeliveryCluster/"+url.PathEscape(clusterID))
}

func (c *apiClient) clustersByDelivery(ctx context.Context, deliveryID string) ([]types.DeliveryCluster, error) {
	return get[[]types.DeliveryCluster](ctx, c, "/DeliveryCluster/delivery/"+url.PathEscape(deliveryID))
}

func (c *apiClient) clusterTracking(ctx context.Context, clusterID string) (types.ClusterTracking, error) {
	path := fmt.Sprintf("/DeliveryCluster/%s/tracking", url.PathEscape(clusterID))
	return get[types.ClusterTracking](ctx, c, path)
}

func (c *apiClient) updateClusterTracking(ctx context.Context, clusterID string, tracking types.ClusterTracking) (types.ClusterTracking, error) {
	path := fmt.Sprintf("/DeliveryCluster/%s/tracking", url.PathEscape(clusterID))
	return patch[types.ClusterTracking](ctx, c, path, tracking)
}

func (c *apiClient) assignDriver(ctx context.Context, clusterID, driverID string) (types.DeliveryCluster, error) {
	path := fmt.Sprintf("/DeliveryCluster/%s/assign-driver/%s",
		url.PathEscape(clusterID), url.PathEscape(driverID))
	return post[types.DeliveryCluster](ctx, c, path, nil)
}

func (c *apiClient) unassignedClusters(ctx context.Context) ([]types.DeliveryCluster, error) {
	return get[[]types.DeliveryCluster](ctx, c, "/DeliveryCluster/unassigned")
}
