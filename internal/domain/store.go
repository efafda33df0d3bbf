package domain

import (
	"context"
	"net/netip"
	"time"
)

// Store is the transactional persistence boundary. Implementations must
// be safe for concurrent use; every public core operation runs inside
// exactly one Update or View call.
type Store interface {
	// Update runs fn in one read-write transaction. A non-nil error
	// from fn rolls the transaction back and is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// Lock acquires the named exclusive locks, sorted ascending by the
	// implementation to keep a total acquisition order. Locks are held
	// until the transaction commits or rolls back. A context deadline
	// or the store's configured lock timeout surfaces ErrLockTimeout.
	Lock(ctx context.Context, keys ...string) error

	CreateSubnet(ctx context.Context, s *Subnet) error
	SubnetByID(ctx context.Context, id int64) (Subnet, error)
	SubnetByCIDR(ctx context.Context, cidr netip.Prefix) (Subnet, error)
	Subnets(ctx context.Context) ([]Subnet, error)
	UpdateSubnet(ctx context.Context, s *Subnet) error
	// DeleteSubnet cascades to the subnet's addresses and reservations.
	DeleteSubnet(ctx context.Context, id int64) error

	InsertAddresses(ctx context.Context, addrs []Address) error
	RemoveAddresses(ctx context.Context, subnetID int64, ips []netip.Addr) error
	AddressByIP(ctx context.Context, ip netip.Addr) (Address, error)
	AddressesBySubnet(ctx context.Context, subnetID int64) ([]Address, error)
	// LowestAvailable returns up to n AVAILABLE addresses of the subnet
	// in ascending numeric order.
	LowestAvailable(ctx context.Context, subnetID int64, n int) ([]Address, error)
	UpdateAddress(ctx context.Context, a *Address) error
	// CountAssigned counts ALLOCATED and RESERVED addresses in the subnet.
	CountAssigned(ctx context.Context, subnetID int64) (int64, error)
	// AssignedOutside counts ALLOCATED and RESERVED addresses of the
	// subnet that fall outside the given prefix (resize pre-check).
	AssignedOutside(ctx context.Context, subnetID int64, cidr netip.Prefix) (int64, error)
	// StatusCounts rolls up address counts; subnetID 0 means global.
	StatusCounts(ctx context.Context, subnetID int64) (Stats, error)
	// DuplicateAddresses groups rows sharing one literal in a subnet.
	DuplicateAddresses(ctx context.Context) ([]ConflictGroup, error)
	// MACCollisions groups ALLOCATED addresses sharing a MAC. A nil
	// subnetID scans every subnet.
	MACCollisions(ctx context.Context, subnetID *int64) ([]ConflictGroup, error)

	SearchAddresses(ctx context.Context, f AddressFilter, s Sort, p Page) (PagedAddresses, error)

	CreateReservation(ctx context.Context, r *Reservation) error
	ReservationByID(ctx context.Context, id int64) (Reservation, error)
	UpdateReservation(ctx context.Context, r *Reservation) error
	DeleteReservation(ctx context.Context, id int64) error
	Reservations(ctx context.Context, f ReservationFilter) ([]Reservation, error)
	// ActiveReservationForIP returns the single active reservation for
	// ip, or ErrReservationNotFound.
	ActiveReservationForIP(ctx context.Context, ip netip.Addr) (Reservation, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	// DeactivateReservationsForIP flips every active reservation on ip
	// to inactive and returns how many were flipped.
	DeactivateReservationsForIP(ctx context.Context, ip netip.Addr) (int64, error)

	// AppendAudit persists the event in this transaction; a failure
	// here aborts the whole mutation.
	AppendAudit(ctx context.Context, ev AuditEvent) error
}

// Clock abstracts time for expiry, idempotency and cache TTL logic.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
