package query

import (
	"sort"
	"strings"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/ipaddr"
)

// Match evaluates a filter against one address row. sub is the
// containing subnet, consulted only by the full-text predicate. The
// in-memory store evaluates searches with this exact function so both
// backends agree on semantics.
func Match(a domain.Address, sub domain.Subnet, f domain.AddressFilter) bool {
	if f.IP != nil && ipaddr.Compare(a.IP, *f.IP) != 0 {
		return false
	}
	if f.IPRange != nil {
		if ipaddr.Compare(a.IP, f.IPRange.Lo) < 0 || ipaddr.Compare(a.IP, f.IPRange.Hi) > 0 {
			return false
		}
	}
	if f.SubnetID != nil && a.SubnetID != *f.SubnetID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if a.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MACContains != "" && !containsFold(a.Device.MAC, f.MACContains) {
		return false
	}
	if f.HostnameContains != "" && !containsFold(a.Device.Hostname, f.HostnameContains) {
		return false
	}
	if f.AssignedTo != "" && a.Device.AssignedTo != f.AssignedTo {
		return false
	}
	if f.AssignedToContains != "" && !containsFold(a.Device.AssignedTo, f.AssignedToContains) {
		return false
	}
	if f.DeviceTypeContains != "" && !containsFold(a.Device.DeviceType, f.DeviceTypeContains) {
		return false
	}
	if f.LocationContains != "" && !containsFold(a.Device.Location, f.LocationContains) {
		return false
	}
	if f.AllocatedAfter != nil && (a.AllocatedAt.IsZero() || a.AllocatedAt.Before(*f.AllocatedAfter)) {
		return false
	}
	if f.AllocatedBefore != nil && (a.AllocatedAt.IsZero() || a.AllocatedAt.After(*f.AllocatedBefore)) {
		return false
	}
	if f.FullText != "" && !fullTextMatch(a, sub, f.FullText) {
		return false
	}
	return true
}

// fullTextMatch is OR across the searchable fields of the address and
// its subnet.
func fullTextMatch(a domain.Address, sub domain.Subnet, q string) bool {
	return containsFold(a.IP.String(), q) ||
		containsFold(a.Device.Hostname, q) ||
		containsFold(a.Device.MAC, q) ||
		containsFold(a.Device.DeviceType, q) ||
		containsFold(a.Device.AssignedTo, q) ||
		containsFold(a.Device.Description, q) ||
		containsFold(sub.CIDR.String(), q) ||
		containsFold(sub.Description, q)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// Less orders two rows under the given sort. The numeric address is
// always the final tiebreaker, ascending, regardless of direction, so
// the total order is stable across pages.
func Less(a, b domain.Address, s domain.Sort) bool {
	if c := compareField(a, b, s.Field); c != 0 {
		if s.Desc {
			return c > 0
		}
		return c < 0
	}
	return ipaddr.Compare(a.IP, b.IP) < 0
}

func compareField(a, b domain.Address, field domain.SortField) int {
	switch field {
	case domain.SortByAllocatedAt:
		return a.AllocatedAt.Compare(b.AllocatedAt)
	case domain.SortByCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case domain.SortByHostname:
		return strings.Compare(a.Device.Hostname, b.Device.Hostname)
	case domain.SortByStatus:
		return strings.Compare(string(a.Status), string(b.Status))
	default:
		return ipaddr.Compare(a.IP, b.IP)
	}
}

// SortAddresses sorts rows in place under the stable total order.
func SortAddresses(rows []domain.Address, s domain.Sort) {
	sort.Slice(rows, func(i, j int) bool { return Less(rows[i], rows[j], s) })
}
