package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/hexa-net/ipamd/internal/domain"
)

// sortColumns whitelists ORDER BY targets; anything else falls back to
// the address itself.
var sortColumns = map[domain.SortField]string{
	domain.SortByAddress:     "a.ip",
	domain.SortByAllocatedAt: "a.allocated_at",
	domain.SortByCreatedAt:   "a.created_at",
	domain.SortByHostname:    "a.hostname",
	domain.SortByStatus:      "a.status",
}

// SearchAddresses compiles the filter to SQL. The subnet join feeds the
// full-text predicate; ordering always ends on a.ip ASC so pages keep a
// total order. Semantics mirror query.Match.
func (t *pgTx) SearchAddresses(ctx context.Context, f domain.AddressFilter, s domain.Sort, p domain.Page) (domain.PagedAddresses, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	like := func(v string) string {
		return arg("%" + v + "%")
	}

	if f.IP != nil {
		conds = append(conds, "a.ip = "+arg(*f.IP))
	}
	if f.IPRange != nil {
		conds = append(conds, "a.ip >= "+arg(f.IPRange.Lo), "a.ip <= "+arg(f.IPRange.Hi))
	}
	if f.SubnetID != nil {
		conds = append(conds, "a.subnet_id = "+arg(*f.SubnetID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, "a.status = ANY("+arg(statuses)+")")
	}
	if f.MACContains != "" {
		conds = append(conds, "a.mac ILIKE "+like(f.MACContains))
	}
	if f.HostnameContains != "" {
		conds = append(conds, "a.hostname ILIKE "+like(f.HostnameContains))
	}
	if f.AssignedTo != "" {
		conds = append(conds, "a.assigned_to = "+arg(f.AssignedTo))
	}
	if f.AssignedToContains != "" {
		conds = append(conds, "a.assigned_to ILIKE "+like(f.AssignedToContains))
	}
	if f.DeviceTypeContains != "" {
		conds = append(conds, "a.device_type ILIKE "+like(f.DeviceTypeContains))
	}
	if f.LocationContains != "" {
		conds = append(conds, "a.location ILIKE "+like(f.LocationContains))
	}
	if f.AllocatedAfter != nil {
		conds = append(conds, "a.allocated_at >= "+arg(*f.AllocatedAfter))
	}
	if f.AllocatedBefore != nil {
		conds = append(conds, "a.allocated_at <= "+arg(*f.AllocatedBefore))
	}
	if f.FullText != "" {
		pat := like(f.FullText)
		fields := []string{
			"a.ip::text", "a.hostname", "a.mac", "a.device_type",
			"a.assigned_to", "a.description", "sn.cidr::text", "sn.description",
		}
		ors := make([]string, len(fields))
		for i, field := range fields {
			ors[i] = field + " ILIKE " + pat
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	from := ` FROM addresses a JOIN subnets sn ON sn.id = a.subnet_id`

	var total int64
	if err := t.tx.QueryRow(ctx, "SELECT count(*)"+from+where, args...).Scan(&total); err != nil {
		return domain.PagedAddresses{}, mapErr(err)
	}

	col, ok := sortColumns[s.Field]
	if !ok {
		col = "a.ip"
	}
	order := col + " ASC"
	if s.Desc {
		order = col + " DESC"
	}
	// The zero allocation time maps to NULL; keep NULL rows where the
	// in-memory order puts zero times.
	if col == "a.allocated_at" {
		if s.Desc {
			order += " NULLS LAST"
		} else {
			order += " NULLS FIRST"
		}
	}
	if col != "a.ip" {
		order += ", a.ip ASC"
	}

	q := "SELECT " + prefixAddressCols() + from + where +
		" ORDER BY " + order +
		" LIMIT " + arg(p.Limit) + " OFFSET " + arg(p.Skip)
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return domain.PagedAddresses{}, mapErr(err)
	}
	items, err := collectAddresses(rows)
	if err != nil {
		return domain.PagedAddresses{}, err
	}
	return domain.PagedAddresses{Items: items, Total: total}, nil
}

// prefixAddressCols qualifies the shared column list with the alias
// used by the search join.
func prefixAddressCols() string {
	cols := strings.Split(addressCols, ",")
	for i, c := range cols {
		cols[i] = "a." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
