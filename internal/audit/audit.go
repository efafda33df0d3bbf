// Package audit builds the events appended alongside every mutation.
// Events are persisted by the store in the same transaction as the
// change they describe; a sink failure aborts the mutation.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/hexa-net/ipamd/internal/domain"
)

const (
	KindSubnet      = "subnet"
	KindAddress     = "address"
	KindReservation = "reservation"
)

func NewEvent(now time.Time, actor, action, kind, entityID string, before, after map[string]any) domain.AuditEvent {
	return domain.AuditEvent{
		ID:         uuid.NewString(),
		Time:       now,
		Actor:      actor,
		Action:     action,
		EntityKind: kind,
		EntityID:   entityID,
		Before:     before,
		After:      after,
	}
}

func SubnetFields(s domain.Subnet) map[string]any {
	m := map[string]any{
		"cidr":        s.CIDR.String(),
		"netmask":     s.Netmask,
		"description": s.Description,
		"vlan_id":     s.VLANID,
		"location":    s.Location,
	}
	if s.Gateway.IsValid() {
		m["gateway"] = s.Gateway.String()
	}
	return m
}

func AddressFields(a domain.Address) map[string]any {
	m := map[string]any{
		"ip":     a.IP.String(),
		"status": string(a.Status),
	}
	if !a.Device.IsZero() {
		m["mac"] = a.Device.MAC
		m["hostname"] = a.Device.Hostname
		m["device_type"] = a.Device.DeviceType
		m["assigned_to"] = a.Device.AssignedTo
	}
	if a.AllocatedBy != "" {
		m["allocated_by"] = a.AllocatedBy
	}
	return m
}

func ReservationFields(r domain.Reservation) map[string]any {
	m := map[string]any{
		"ip":       r.IP.String(),
		"actor":    r.Actor,
		"reason":   r.Reason,
		"active":   r.Active,
		"priority": string(r.Priority),
		"start":    r.Start,
	}
	if !r.End.IsZero() {
		m["end"] = r.End
	}
	return m
}
