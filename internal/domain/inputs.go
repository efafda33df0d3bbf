package domain

import (
	"net/netip"
	"time"
)

type CreateSubnetInput struct {
	CIDR        string
	Gateway     string // optional
	Description string
	VLANID      int
	Location    string
}

// UpdateSubnetInput carries pure metadata edits; nil fields are left
// untouched.
type UpdateSubnetInput struct {
	Gateway     *string
	Description *string
	VLANID      *int
	Location    *string
}

// AllocateRequest binds an address to a device. Exactly one of SubnetID
// (auto-pick of the lowest AVAILABLE address) or IP (explicit) is set.
type AllocateRequest struct {
	Actor     string
	RequestID string // optional idempotency key

	SubnetID int64
	IP       netip.Addr

	Device DeviceAttrs
}

func (r AllocateRequest) Explicit() bool { return r.IP.IsValid() }

type ReserveRequest struct {
	Actor     string
	RequestID string

	IP         netip.Addr
	Reason     string
	AssignedTo string
	Start      time.Time // zero means now
	End        time.Time // zero means permanent
	Priority   Priority

	// Force permits the administrative ALLOCATED -> RESERVED move.
	Force bool
}

type ReleaseRequest struct {
	Actor     string
	RequestID string
	IP        netip.Addr
}

type BulkAllocateRequest struct {
	Actor     string
	RequestID string

	SubnetID int64
	Count    int
	Template DeviceAttrs
}

// AddrRange is an inclusive address interval.
type AddrRange struct {
	Lo netip.Addr
	Hi netip.Addr
}

// AddressFilter is a conjunction of predicates; zero-valued fields do
// not constrain the result.
type AddressFilter struct {
	IP       *netip.Addr
	IPRange  *AddrRange
	SubnetID *int64
	Statuses []Status

	MACContains        string
	HostnameContains   string
	AssignedTo         string // exact match
	AssignedToContains string
	DeviceTypeContains string
	LocationContains   string

	AllocatedAfter  *time.Time
	AllocatedBefore *time.Time

	// FullText matches case-insensitively across address, hostname,
	// MAC, device type, assigned-to, description, and the containing
	// subnet's network and description.
	FullText string
}

type SortField string

const (
	SortByAddress     SortField = "address"
	SortByAllocatedAt SortField = "allocated_at"
	SortByCreatedAt   SortField = "created_at"
	SortByHostname    SortField = "hostname"
	SortByStatus      SortField = "status"
)

type Sort struct {
	Field SortField
	Desc  bool
}

type Page struct {
	Skip  int
	Limit int
}

type PagedAddresses struct {
	Items []Address
	Total int64
}

type PagedSubnets struct {
	Items []SubnetWithStats
	Total int64
}

type ReservationFilter struct {
	SubnetID *int64
	IP       *netip.Addr
	Active   *bool
	Priority *Priority
	Actor    string
}
