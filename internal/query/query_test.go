package query_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/hexa-net/ipamd/internal/domain"
	"github.com/hexa-net/ipamd/internal/engine"
	"github.com/hexa-net/ipamd/internal/ipaddr"
	"github.com/hexa-net/ipamd/internal/memstore"
	"github.com/hexa-net/ipamd/internal/query"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// fixture seeds a /28 with a mix of allocated, reserved, and available
// rows and returns the wired query engine.
func fixture(t *testing.T) (*query.Engine, *memstore.Store, domain.Subnet) {
	t.Helper()
	ctx := context.Background()
	clock := fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.NewWithClock(clock)
	eng := engine.New(store, clock, engine.Config{})

	cidr, err := ipaddr.ParsePrefix("10.0.0.0/28")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sub := domain.Subnet{CIDR: cidr, Netmask: ipaddr.Netmask(cidr), Description: "office lan"}
	err = store.Update(ctx, func(tx domain.Tx) error {
		if err := tx.CreateSubnet(ctx, &sub); err != nil {
			return err
		}
		hosts, err := ipaddr.Hosts(cidr, 1<<16)
		if err != nil {
			return err
		}
		addrs := make([]domain.Address, len(hosts))
		for i, h := range hosts {
			addrs[i] = domain.Address{SubnetID: sub.ID, IP: h, Status: domain.StatusAvailable}
		}
		return tx.InsertAddresses(ctx, addrs)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	devices := []struct {
		ip   string
		attr domain.DeviceAttrs
	}{
		{"10.0.0.1", domain.DeviceAttrs{Hostname: "web-1", MAC: "aa:00:00:00:00:01", DeviceType: "server", AssignedTo: "team-web"}},
		{"10.0.0.2", domain.DeviceAttrs{Hostname: "web-2", MAC: "aa:00:00:00:00:02", DeviceType: "server", AssignedTo: "team-web"}},
		{"10.0.0.3", domain.DeviceAttrs{Hostname: "printer-lobby", MAC: "bb:00:00:00:00:03", DeviceType: "printer", AssignedTo: "facilities"}},
	}
	for _, d := range devices {
		if _, err := eng.Allocate(ctx, domain.AllocateRequest{Actor: "alice", IP: netip.MustParseAddr(d.ip), Device: d.attr}); err != nil {
			t.Fatalf("allocate %s: %v", d.ip, err)
		}
	}
	if _, _, err := eng.Reserve(ctx, domain.ReserveRequest{Actor: "bob", IP: netip.MustParseAddr("10.0.0.4"), Reason: "future switch"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	return query.NewEngine(store), store, sub
}

func TestSearchByStatus(t *testing.T) {
	q, _, _ := fixture(t)

	got, err := q.Search(context.Background(), domain.AddressFilter{
		Statuses: []domain.Status{domain.StatusAllocated},
	}, domain.Sort{}, domain.Page{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got.Total != 3 {
		t.Fatalf("expected 3 allocated rows, got %d", got.Total)
	}
	for _, a := range got.Items {
		if a.Status != domain.StatusAllocated {
			t.Fatalf("filter leaked status %s", a.Status)
		}
	}
}

func TestSearchByHostnameAndRange(t *testing.T) {
	q, _, _ := fixture(t)
	ctx := context.Background()

	got, err := q.Search(ctx, domain.AddressFilter{HostnameContains: "WEB"}, domain.Sort{}, domain.Page{})
	if err != nil {
		t.Fatalf("hostname search: %v", err)
	}
	if got.Total != 2 {
		t.Fatalf("expected 2 web hosts (case-insensitive), got %d", got.Total)
	}

	got, err = q.Search(ctx, domain.AddressFilter{
		IPRange: &domain.AddrRange{
			Lo: netip.MustParseAddr("10.0.0.2"),
			Hi: netip.MustParseAddr("10.0.0.4"),
		},
	}, domain.Sort{}, domain.Page{})
	if err != nil {
		t.Fatalf("range search: %v", err)
	}
	if got.Total != 3 {
		t.Fatalf("expected 3 rows in range, got %d", got.Total)
	}
}

func TestSearchFullText(t *testing.T) {
	q, _, _ := fixture(t)

	// "office" only appears in the subnet description; every row of the
	// subnet matches through it.
	got, err := q.Search(context.Background(), domain.AddressFilter{FullText: "office"}, domain.Sort{}, domain.Page{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got.Total != 14 {
		t.Fatalf("expected all 14 rows via subnet description, got %d", got.Total)
	}

	got, err = q.Search(context.Background(), domain.AddressFilter{FullText: "printer"}, domain.Sort{}, domain.Page{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got.Total != 1 {
		t.Fatalf("expected the printer row, got %d", got.Total)
	}
}

func TestSearchSortWithTiebreak(t *testing.T) {
	q, _, _ := fixture(t)

	got, err := q.Search(context.Background(), domain.AddressFilter{
		Statuses: []domain.Status{domain.StatusAllocated, domain.StatusReserved},
	}, domain.Sort{Field: domain.SortByHostname, Desc: true}, domain.Page{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got.Items) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(got.Items))
	}
	// Hostnames desc: web-2, web-1, printer-lobby, "" (reserved row).
	wantOrder := []string{"10.0.0.2", "10.0.0.1", "10.0.0.3", "10.0.0.4"}
	for i, a := range got.Items {
		if a.IP.String() != wantOrder[i] {
			t.Fatalf("position %d: expected %s, got %s", i, wantOrder[i], a.IP)
		}
	}
}

func TestPaginationNeverDuplicates(t *testing.T) {
	q, _, _ := fixture(t)
	ctx := context.Background()

	seen := make(map[netip.Addr]bool)
	var total int64
	for skip := 0; ; skip += 3 {
		page, err := q.Search(ctx, domain.AddressFilter{}, domain.Sort{Field: domain.SortByStatus}, domain.Page{Skip: skip, Limit: 3})
		if err != nil {
			t.Fatalf("page at skip %d: %v", skip, err)
		}
		total = page.Total
		if len(page.Items) == 0 {
			break
		}
		for _, a := range page.Items {
			if seen[a.IP] {
				t.Fatalf("address %s appeared on two pages", a.IP)
			}
			seen[a.IP] = true
		}
	}
	if int64(len(seen)) != total {
		t.Fatalf("walked %d rows, total says %d", len(seen), total)
	}
}

func TestValidateFilter(t *testing.T) {
	cases := []struct {
		name   string
		filter domain.AddressFilter
		ok     bool
	}{
		{"empty", domain.AddressFilter{}, true},
		{"inverted range", domain.AddressFilter{IPRange: &domain.AddrRange{
			Lo: netip.MustParseAddr("10.0.0.9"),
			Hi: netip.MustParseAddr("10.0.0.1"),
		}}, false},
		{"invalid endpoint", domain.AddressFilter{IPRange: &domain.AddrRange{
			Hi: netip.MustParseAddr("10.0.0.1"),
		}}, false},
		{"unknown status", domain.AddressFilter{Statuses: []domain.Status{"PENDING"}}, false},
		{"known statuses", domain.AddressFilter{Statuses: []domain.Status{domain.StatusConflict, domain.StatusReserved}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := query.ValidateFilter(tc.filter)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, domain.ErrInvalidRange) {
				t.Fatalf("expected ErrInvalidRange, got %v", err)
			}
		})
	}

	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	before := after.Add(-time.Hour)
	err := query.ValidateFilter(domain.AddressFilter{AllocatedAfter: &after, AllocatedBefore: &before})
	if !errors.Is(err, domain.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for inverted time bounds, got %v", err)
	}
}

func TestClampPage(t *testing.T) {
	cases := []struct {
		in   domain.Page
		want domain.Page
	}{
		{domain.Page{}, domain.Page{Skip: 0, Limit: query.DefaultLimit}},
		{domain.Page{Skip: -5, Limit: -1}, domain.Page{Skip: 0, Limit: query.DefaultLimit}},
		{domain.Page{Skip: 10, Limit: 5000}, domain.Page{Skip: 10, Limit: query.MaxLimit}},
		{domain.Page{Skip: 3, Limit: 25}, domain.Page{Skip: 3, Limit: 25}},
	}
	for i, tc := range cases {
		if got := query.ClampPage(tc.in); got != tc.want {
			t.Fatalf("case %d: got %+v, want %+v", i, got, tc.want)
		}
	}
}

func TestNormalizeSortDefaultsToAddress(t *testing.T) {
	if s := query.NormalizeSort(domain.Sort{}); s.Field != domain.SortByAddress {
		t.Fatalf("expected address default, got %s", s.Field)
	}
	if s := query.NormalizeSort(domain.Sort{Field: "bogus"}); s.Field != domain.SortByAddress {
		t.Fatalf("expected fallback to address, got %s", s.Field)
	}
	if s := query.NormalizeSort(domain.Sort{Field: domain.SortByHostname, Desc: true}); s.Field != domain.SortByHostname || !s.Desc {
		t.Fatalf("valid sort mangled: %+v", s)
	}
}

func TestLessAlwaysBreaksTiesByAddress(t *testing.T) {
	mk := func(ip string, host string) domain.Address {
		return domain.Address{IP: netip.MustParseAddr(ip), Device: domain.DeviceAttrs{Hostname: host}}
	}
	a := mk("10.0.0.1", "same")
	b := mk("10.0.0.2", "same")

	s := domain.Sort{Field: domain.SortByHostname}
	if !query.Less(a, b, s) || query.Less(b, a, s) {
		t.Fatal("ascending tiebreak broken")
	}
	// Even under descending sort the tiebreak stays address-ascending.
	s.Desc = true
	if !query.Less(a, b, s) || query.Less(b, a, s) {
		t.Fatal("descending tiebreak must stay address-ascending")
	}
}

func TestMatchConjunction(t *testing.T) {
	sub := domain.Subnet{ID: 1, CIDR: netip.MustParsePrefix("10.0.0.0/24"), Description: "lan"}
	a := domain.Address{
		SubnetID: 1,
		IP:       netip.MustParseAddr("10.0.0.7"),
		Status:   domain.StatusAllocated,
		Device:   domain.DeviceAttrs{Hostname: "db-1", MAC: "aa:bb", AssignedTo: "dba"},
	}

	if !query.Match(a, sub, domain.AddressFilter{HostnameContains: "db", AssignedTo: "dba"}) {
		t.Fatal("conjunction of matching predicates must match")
	}
	if query.Match(a, sub, domain.AddressFilter{HostnameContains: "db", AssignedTo: "other"}) {
		t.Fatal("one failing predicate must reject the row")
	}
	if !query.Match(a, sub, domain.AddressFilter{FullText: "lan"}) {
		t.Fatal("full text must reach the subnet description")
	}
}
