package domain

import (
	"net/netip"
	"time"
)

// Status is the lifecycle state of an address.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusAllocated Status = "ALLOCATED"
	StatusReserved  Status = "RESERVED"
	StatusConflict  Status = "CONFLICT"
)

// Priority grades a reservation. It is persisted and filterable but has
// no effect on allocation order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Subnet struct {
	ID          int64
	CIDR        netip.Prefix
	Netmask     string
	Gateway     netip.Addr // zero value when unset
	Description string
	VLANID      int
	Location    string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeviceAttrs are the assignment attributes carried by an address in a
// non-AVAILABLE state. In AVAILABLE state every field is empty.
type DeviceAttrs struct {
	MAC         string
	Hostname    string
	DeviceType  string
	Location    string
	AssignedTo  string
	Description string
	OSType      string
}

func (d DeviceAttrs) IsZero() bool {
	return d == DeviceAttrs{}
}

type Address struct {
	ID       int64
	SubnetID int64
	IP       netip.Addr
	Status   Status

	// PriorStatus records the state an address held before it was
	// marked CONFLICT, so resolution can restore the winner.
	PriorStatus Status

	Device      DeviceAttrs
	AllocatedAt time.Time // zero when AVAILABLE
	AllocatedBy string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Reservation struct {
	ID         int64
	SubnetID   int64
	IP         netip.Addr
	Actor      string
	AssignedTo string
	Reason     string
	Start      time.Time
	End        time.Time // zero value means permanent
	Active     bool
	Priority   Priority
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the reservation window has passed at now.
// Permanent reservations never expire.
func (r Reservation) Expired(now time.Time) bool {
	return !r.End.IsZero() && r.End.Before(now)
}

// AuditEvent records one state change. It is appended in the same
// transaction as the change it describes.
type AuditEvent struct {
	ID         string
	Time       time.Time
	Actor      string
	Action     string
	EntityKind string
	EntityID   string
	Before     map[string]any
	After      map[string]any
}

// ConflictGroup is a set of addresses participating in one detected
// conflict, e.g. a MAC bound to several allocated addresses.
type ConflictGroup struct {
	Reason    string
	MAC       string
	Addresses []Address
}

// Stats is the per-subnet or global rollup.
type Stats struct {
	Total          int64
	Allocated      int64
	Reserved       int64
	Available      int64
	Conflict       int64
	UtilizationPct float64
}

// SyncReport summarizes an address-set diff after a subnet resize.
type SyncReport struct {
	Added          int
	Removed        int
	Kept           int
	GatewayCleared bool
}

// SubnetWithStats pairs a subnet with its rollup for listings.
type SubnetWithStats struct {
	Subnet Subnet
	Stats  Stats
}
