package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/jackc/pgx/v5"
)

const addressCols = `id, subnet_id, ip, status, prior_status, mac, hostname, device_type,
	location, assigned_to, description, os_type, allocated_at, allocated_by, created_at, updated_at`

const reservationCols = `id, subnet_id, ip, actor, assigned_to, reason, start_at, end_at,
	active, priority, created_at, updated_at`

func (t *pgTx) CreateSubnet(ctx context.Context, s *domain.Subnet) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO subnets (cidr, netmask, gateway, description, vlan_id, location, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		s.CIDR, s.Netmask, addrPtr(s.Gateway), s.Description, s.VLANID, s.Location, s.CreatedBy,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s already registered", domain.ErrOverlap, s.CIDR)
	}
	return mapErr(err)
}

func (t *pgTx) SubnetByID(ctx context.Context, id int64) (domain.Subnet, error) {
	return t.scanSubnet(t.tx.QueryRow(ctx,
		`SELECT id, cidr, netmask, gateway, description, vlan_id, location, created_by, created_at, updated_at
		 FROM subnets WHERE id = $1`, id))
}

func (t *pgTx) SubnetByCIDR(ctx context.Context, cidr netip.Prefix) (domain.Subnet, error) {
	return t.scanSubnet(t.tx.QueryRow(ctx,
		`SELECT id, cidr, netmask, gateway, description, vlan_id, location, created_by, created_at, updated_at
		 FROM subnets WHERE cidr = $1`, cidr))
}

func (t *pgTx) scanSubnet(row pgx.Row) (domain.Subnet, error) {
	var s domain.Subnet
	var gw *netip.Addr
	err := row.Scan(&s.ID, &s.CIDR, &s.Netmask, &gw, &s.Description, &s.VLANID,
		&s.Location, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Subnet{}, domain.ErrSubnetNotFound
	}
	if err != nil {
		return domain.Subnet{}, mapErr(err)
	}
	if gw != nil {
		s.Gateway = *gw
	}
	return s, nil
}

func (t *pgTx) Subnets(ctx context.Context) ([]domain.Subnet, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, cidr, netmask, gateway, description, vlan_id, location, created_by, created_at, updated_at
		 FROM subnets ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Subnet
	for rows.Next() {
		var s domain.Subnet
		var gw *netip.Addr
		if err := rows.Scan(&s.ID, &s.CIDR, &s.Netmask, &gw, &s.Description, &s.VLANID,
			&s.Location, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, mapErr(err)
		}
		if gw != nil {
			s.Gateway = *gw
		}
		out = append(out, s)
	}
	return out, mapErr(rows.Err())
}

func (t *pgTx) UpdateSubnet(ctx context.Context, s *domain.Subnet) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE subnets
		SET cidr = $2, netmask = $3, gateway = $4, description = $5, vlan_id = $6, location = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.CIDR, s.Netmask, addrPtr(s.Gateway), s.Description, s.VLANID, s.Location,
	).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrSubnetNotFound
	}
	return mapErr(err)
}

func (t *pgTx) DeleteSubnet(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM subnets WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubnetNotFound
	}
	return nil
}

// InsertAddresses bulk-loads via COPY; subnet materialization can be
// tens of thousands of rows.
func (t *pgTx) InsertAddresses(ctx context.Context, addrs []domain.Address) error {
	if len(addrs) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"addresses"},
		[]string{"subnet_id", "ip", "status"},
		pgx.CopyFromSlice(len(addrs), func(i int) ([]any, error) {
			return []any{addrs[i].SubnetID, addrs[i].IP, string(addrs[i].Status)}, nil
		}),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: address row exists", domain.ErrAlreadyAllocated)
	}
	return mapErr(err)
}

func (t *pgTx) RemoveAddresses(ctx context.Context, subnetID int64, ips []netip.Addr) error {
	if len(ips) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`DELETE FROM addresses WHERE subnet_id = $1 AND ip = ANY($2)`, subnetID, ips)
	return mapErr(err)
}

func (t *pgTx) AddressByIP(ctx context.Context, ip netip.Addr) (domain.Address, error) {
	q := `SELECT ` + addressCols + ` FROM addresses WHERE ip = $1`
	if !t.readonly {
		q += ` FOR UPDATE`
	}
	return scanAddress(t.tx.QueryRow(ctx, q, ip))
}

func (t *pgTx) AddressesBySubnet(ctx context.Context, subnetID int64) ([]domain.Address, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+addressCols+` FROM addresses WHERE subnet_id = $1 ORDER BY ip`, subnetID)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectAddresses(rows)
}

func (t *pgTx) LowestAvailable(ctx context.Context, subnetID int64, n int) ([]domain.Address, error) {
	q := `SELECT ` + addressCols + `
		FROM addresses WHERE subnet_id = $1 AND status = 'AVAILABLE'
		ORDER BY ip LIMIT $2`
	if !t.readonly {
		q += ` FOR UPDATE`
	}
	rows, err := t.tx.Query(ctx, q, subnetID, n)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectAddresses(rows)
}

func (t *pgTx) UpdateAddress(ctx context.Context, a *domain.Address) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE addresses
		SET status = $2, prior_status = $3, mac = $4, hostname = $5, device_type = $6,
		    location = $7, assigned_to = $8, description = $9, os_type = $10,
		    allocated_at = $11, allocated_by = $12, updated_at = now()
		WHERE ip = $1
		RETURNING id, updated_at`,
		a.IP, string(a.Status), string(a.PriorStatus), a.Device.MAC, a.Device.Hostname,
		a.Device.DeviceType, a.Device.Location, a.Device.AssignedTo, a.Device.Description,
		a.Device.OSType, timePtr(a.AllocatedAt), a.AllocatedBy,
	).Scan(&a.ID, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrAddressNotFound
	}
	return mapErr(err)
}

func (t *pgTx) CountAssigned(ctx context.Context, subnetID int64) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM addresses WHERE subnet_id = $1 AND status IN ('ALLOCATED', 'RESERVED')`,
		subnetID).Scan(&n)
	return n, mapErr(err)
}

func (t *pgTx) AssignedOutside(ctx context.Context, subnetID int64, cidr netip.Prefix) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM addresses
		WHERE subnet_id = $1 AND status IN ('ALLOCATED', 'RESERVED')
		  AND (NOT (ip << $2::cidr)
		       OR (family($2::cidr) = 4 AND masklen($2::cidr) < 31
		           AND (ip = host(network($2::cidr))::inet OR ip = host(broadcast($2::cidr))::inet)))`,
		subnetID, cidr).Scan(&n)
	return n, mapErr(err)
}

func (t *pgTx) StatusCounts(ctx context.Context, subnetID int64) (domain.Stats, error) {
	q := `SELECT count(*),
		count(*) FILTER (WHERE status = 'ALLOCATED'),
		count(*) FILTER (WHERE status = 'RESERVED'),
		count(*) FILTER (WHERE status = 'AVAILABLE'),
		count(*) FILTER (WHERE status = 'CONFLICT')
	FROM addresses`
	args := []any{}
	if subnetID != 0 {
		q += ` WHERE subnet_id = $1`
		args = append(args, subnetID)
	}
	var st domain.Stats
	if err := t.tx.QueryRow(ctx, q, args...).Scan(&st.Total, &st.Allocated, &st.Reserved, &st.Available, &st.Conflict); err != nil {
		return domain.Stats{}, mapErr(err)
	}
	if st.Total > 0 {
		st.UtilizationPct = float64(st.Allocated+st.Reserved) / float64(st.Total) * 100
	}
	return st, nil
}

// DuplicateAddresses catches rows that bypassed the unique constraint
// (e.g. loaded while the index was dropped).
func (t *pgTx) DuplicateAddresses(ctx context.Context) ([]domain.ConflictGroup, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+addressCols+` FROM addresses
		WHERE (subnet_id, ip) IN (
			SELECT subnet_id, ip FROM addresses GROUP BY subnet_id, ip HAVING count(*) > 1
		)
		ORDER BY subnet_id, ip`)
	if err != nil {
		return nil, mapErr(err)
	}
	addrs, err := collectAddresses(rows)
	if err != nil {
		return nil, err
	}
	var out []domain.ConflictGroup
	for _, a := range addrs {
		if len(out) > 0 {
			last := &out[len(out)-1]
			prev := last.Addresses[0]
			if prev.SubnetID == a.SubnetID && prev.IP == a.IP {
				last.Addresses = append(last.Addresses, a)
				continue
			}
		}
		out = append(out, domain.ConflictGroup{Reason: "duplicate address", Addresses: []domain.Address{a}})
	}
	return out, nil
}

func (t *pgTx) MACCollisions(ctx context.Context, subnetID *int64) ([]domain.ConflictGroup, error) {
	q := `SELECT ` + addressCols + ` FROM addresses
		WHERE status = 'ALLOCATED' AND mac <> ''
		  AND mac IN (
			SELECT mac FROM addresses
			WHERE status = 'ALLOCATED' AND mac <> ''` + macSubnetCond(subnetID) + `
			GROUP BY mac HAVING count(*) > 1
		  )` + macSubnetCond(subnetID) + `
		ORDER BY mac, ip`
	var args []any
	if subnetID != nil {
		args = append(args, *subnetID)
	}
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	addrs, err := collectAddresses(rows)
	if err != nil {
		return nil, err
	}
	var out []domain.ConflictGroup
	for _, a := range addrs {
		if len(out) > 0 && out[len(out)-1].MAC == a.Device.MAC {
			out[len(out)-1].Addresses = append(out[len(out)-1].Addresses, a)
			continue
		}
		out = append(out, domain.ConflictGroup{Reason: "duplicate mac", MAC: a.Device.MAC, Addresses: []domain.Address{a}})
	}
	return out, nil
}

func macSubnetCond(subnetID *int64) string {
	if subnetID == nil {
		return ""
	}
	return " AND subnet_id = $1"
}

func (t *pgTx) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO reservations (subnet_id, ip, actor, assigned_to, reason, start_at, end_at, active, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		r.SubnetID, r.IP, r.Actor, r.AssignedTo, r.Reason, r.Start, timePtr(r.End), r.Active, string(r.Priority),
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyReserved, r.IP)
	}
	return mapErr(err)
}

func (t *pgTx) ReservationByID(ctx context.Context, id int64) (domain.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id))
}

func (t *pgTx) UpdateReservation(ctx context.Context, r *domain.Reservation) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE reservations
		SET assigned_to = $2, reason = $3, start_at = $4, end_at = $5, active = $6, priority = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		r.ID, r.AssignedTo, r.Reason, r.Start, timePtr(r.End), r.Active, string(r.Priority),
	).Scan(&r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrReservationNotFound
	}
	return mapErr(err)
}

func (t *pgTx) DeleteReservation(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

func (t *pgTx) Reservations(ctx context.Context, f domain.ReservationFilter) ([]domain.Reservation, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SubnetID != nil {
		add("subnet_id = $%d", *f.SubnetID)
	}
	if f.IP != nil {
		add("ip = $%d", *f.IP)
	}
	if f.Active != nil {
		add("active = $%d", *f.Active)
	}
	if f.Priority != nil {
		add("priority = $%d", string(*f.Priority))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	q := `SELECT ` + reservationCols + ` FROM reservations`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY id`
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectReservations(rows)
}

func (t *pgTx) ActiveReservationForIP(ctx context.Context, ip netip.Addr) (domain.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE ip = $1 AND active`, ip))
}

func (t *pgTx) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+reservationCols+` FROM reservations
		 WHERE active AND end_at IS NOT NULL AND end_at < $1
		 ORDER BY id LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectReservations(rows)
}

func (t *pgTx) DeactivateReservationsForIP(ctx context.Context, ip netip.Addr) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE reservations SET active = false, updated_at = now() WHERE ip = $1 AND active`, ip)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) AppendAudit(ctx context.Context, ev domain.AuditEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO audit_events (id, ts, actor, action, entity_kind, entity_id, before, after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.Time, ev.Actor, ev.Action, ev.EntityKind, ev.EntityID, ev.Before, ev.After)
	return mapErr(err)
}

func scanAddress(row pgx.Row) (domain.Address, error) {
	var a domain.Address
	var status, prior string
	var allocatedAt *time.Time
	err := row.Scan(&a.ID, &a.SubnetID, &a.IP, &status, &prior, &a.Device.MAC, &a.Device.Hostname,
		&a.Device.DeviceType, &a.Device.Location, &a.Device.AssignedTo, &a.Device.Description,
		&a.Device.OSType, &allocatedAt, &a.AllocatedBy, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Address{}, domain.ErrAddressNotFound
	}
	if err != nil {
		return domain.Address{}, mapErr(err)
	}
	a.Status = domain.Status(status)
	a.PriorStatus = domain.Status(prior)
	if allocatedAt != nil {
		a.AllocatedAt = *allocatedAt
	}
	return a, nil
}

func collectAddresses(rows pgx.Rows) ([]domain.Address, error) {
	defer rows.Close()
	var out []domain.Address
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err())
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var r domain.Reservation
	var end *time.Time
	var priority string
	err := row.Scan(&r.ID, &r.SubnetID, &r.IP, &r.Actor, &r.AssignedTo, &r.Reason,
		&r.Start, &end, &r.Active, &priority, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, mapErr(err)
	}
	if end != nil {
		r.End = *end
	}
	r.Priority = domain.Priority(priority)
	return r, nil
}

func collectReservations(rows pgx.Rows) ([]domain.Reservation, error) {
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

func addrPtr(a netip.Addr) *netip.Addr {
	if !a.IsValid() {
		return nil
	}
	return &a
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
