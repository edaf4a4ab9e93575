package types

import "time"

// ConnectionState is the lifecycle state of the realtime hub connection.
//
// The chat manager owns all transitions; callers only observe.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ChatMessage is a single private chat message. Messages are immutable once
// constructed and are appended to the conversation log in arrival order.
type ChatMessage struct {
	SenderID string    `json:"senderId"`
	Body     string    `json:"message"`
	SentAt   time.Time `json:"sentAt"`
}

// TypingSignal marks a remote user as currently typing. It is ephemeral and
// expires after a fixed display window unless refreshed.
type TypingSignal struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// OfferStatus is the lifecycle status of a delivery offer. The backend
// serializes these as numeric enum values.
type OfferStatus int

const (
	OfferPending OfferStatus = iota
	OfferAccepted
	OfferDeclined
	OfferCanceled
	OfferExpired
)

// Terminal reports whether the status is final. Offers never regress out of a
// terminal status.
func (s OfferStatus) Terminal() bool {
	return s != OfferPending
}

func (s OfferStatus) String() string {
	switch s {
	case OfferPending:
		return "Pending"
	case OfferAccepted:
		return "Accepted"
	case OfferDeclined:
		return "Declined"
	case OfferCanceled:
		return "Canceled"
	case OfferExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// ClusterStatus is the lifecycle status of a delivery cluster.
type ClusterStatus int

const (
	ClusterPending ClusterStatus = iota
	ClusterAssigned
	ClusterInProgress
	ClusterCompleted
	ClusterCancelled
)

// Terminal reports whether the cluster can no longer transition.
func (s ClusterStatus) Terminal() bool {
	return s == ClusterCompleted || s == ClusterCancelled
}

func (s ClusterStatus) String() string {
	switch s {
	case ClusterPending:
		return "Pending"
	case ClusterAssigned:
		return "Assigned"
	case ClusterInProgress:
		return "InProgress"
	case ClusterCompleted:
		return "Completed"
	case ClusterCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// DeliveryOffer is a proposed assignment of a delivery cluster to a specific
// delivery person, awaiting accept/decline.
type DeliveryOffer struct {
	ID         string      `json:"id"`
	DeliveryID string      `json:"deliveryId"`
	ClusterID  string      `json:"clusterId"`
	DriverID   string      `json:"deliveryPersonId"`
	Status     OfferStatus `json:"status"`
	CreatedAt  *time.Time  `json:"createdAt,omitempty"`
	ExpiryTime *time.Time  `json:"expiryTime,omitempty"`
	IsActive   bool        `json:"isActive"`

	// Related delivery info, populated by the backend for display.
	TrackingNumber    string   `json:"deliveryTrackingNumber,omitempty"`
	CustomerName      string   `json:"customerName,omitempty"`
	DeliveryLatitude  *float64 `json:"deliveryLatitude,omitempty"`
	DeliveryLongitude *float64 `json:"deliveryLongitude,omitempty"`
}

// ClusterTracking is the tracking record attached to a delivery cluster.
type ClusterTracking struct {
	ClusterID  string `json:"clusterId"`
	DeliveryID string `json:"deliveryId"`

	TechCompanyID   string `json:"techCompanyId"`
	TechCompanyName string `json:"techCompanyName"`

	DistanceKm float64 `json:"distanceKm"`
	Price      float64 `json:"price"`

	AssignedDriverID string     `json:"assignedDriverId"`
	DriverName       string     `json:"driverName"`
	AssignmentTime   *time.Time `json:"assignmentTime,omitempty"`

	DropoffLatitude  *float64 `json:"dropoffLatitude,omitempty"`
	DropoffLongitude *float64 `json:"dropoffLongitude,omitempty"`

	SequenceOrder     int           `json:"sequenceOrder"`
	EstimatedDistance float64       `json:"estimatedDistance"`
	EstimatedPrice    float64       `json:"estimatedPrice"`
	Status            ClusterStatus `json:"status"`
	Location          string        `json:"location"`
	LastUpdated       *time.Time    `json:"lastUpdated,omitempty"`

	PickupConfirmed   bool       `json:"pickupConfirmed"`
	PickupConfirmedAt *time.Time `json:"pickupConfirmedAt,omitempty"`
}

// DeliveryCluster is a grouped delivery unit with its own lifecycle, distinct
// from the offers proposing its assignment. The backend owns the record; the
// client caches an eventually consistent copy.
type DeliveryCluster struct {
	ID         string `json:"id"`
	DeliveryID string `json:"deliveryId"`

	TechCompanyID   string `json:"techCompanyId"`
	TechCompanyName string `json:"techCompanyName"`

	DistanceKm float64       `json:"distanceKm"`
	Price      float64       `json:"price"`
	Status     ClusterStatus `json:"status"`

	AssignedDriverID   string     `json:"assignedDriverId,omitempty"`
	AssignedDriverName string     `json:"assignedDriverName,omitempty"`
	AssignmentTime     *time.Time `json:"assignmentTime,omitempty"`

	// RetryCount mirrors the server-side count of failed assignment attempts.
	// It is display-only on the client.
	RetryCount    int        `json:"retryCount"`
	LastRetryTime *time.Time `json:"lastRetryTime,omitempty"`

	DropoffLatitude  *float64 `json:"dropoffLatitude,omitempty"`
	DropoffLongitude *float64 `json:"dropoffLongitude,omitempty"`
	PickupLatitude   *float64 `json:"pickupLatitude,omitempty"`
	PickupLongitude  *float64 `json:"pickupLongitude,omitempty"`

	SequenceOrder    int `json:"sequenceOrder"`
	DriverOfferCount int `json:"driverOfferCount"`

	Tracking *ClusterTracking `json:"tracking,omitempty"`
	Offers   []DeliveryOffer  `json:"offers,omitempty"`
}

// GeneralResponse is the envelope every backend endpoint wraps its payload in.
type GeneralResponse[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}
