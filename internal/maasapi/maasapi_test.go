package maasapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"siteforge/internal/design"
	"siteforge/internal/remote"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(body string) *http.Response {
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body)), Header: make(http.Header)}
}

func fakeMAAS(t *testing.T, handlers map[string]string) *Client {
	t.Helper()
	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		for path, body := range handlers {
			if strings.HasSuffix(req.URL.Path, path) {
				return jsonResponse(body), nil
			}
		}
		t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
		return nil, nil
	})
	rc, err := remote.NewClient("https://maas.example.com/MAAS/api/2.0", "ck:tk:ts", true, remote.ServiceMAAS, remote.WithHTTPClient(&http.Client{Transport: rt}))
	if err != nil {
		t.Fatalf("remote.NewClient() = %v", err)
	}
	return NewClient(rc)
}

func TestFabricsRefreshAndSingleton(t *testing.T) {
	c := fakeMAAS(t, map[string]string{
		"/fabrics/": `[{"id":1,"name":"fabric-mgmt"},{"id":2,"name":"fabric-storage"}]`,
	})
	fabrics := NewFabrics(c)
	if err := fabrics.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	f := fabrics.Singleton(ByName("fabric-storage"))
	if f == nil || f.ResourceID != 2 {
		t.Fatalf("Singleton(fabric-storage) = %+v", f)
	}
	if fabrics.Select(1) == nil {
		t.Fatal("Select(1) = nil")
	}
}

func TestVlansAddAndSelect(t *testing.T) {
	c := fakeMAAS(t, map[string]string{
		"/fabrics/1/vlans/": `{"id":10,"name":"untagged","vid":0,"dhcp_on":false}`,
	})
	vlans := NewVlans(c, 1)
	v, err := vlans.Add(context.Background(), "untagged", 0, 0)
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	if v.ResourceID != 10 || v.FabricID != 1 {
		t.Fatalf("Add() = %+v", v)
	}
	if vlans.Select(10) == nil {
		t.Fatal("Select(10) after Add = nil")
	}
}

func TestVlanSetVIDRejectsUntagged(t *testing.T) {
	v := &Vlan{ResourceID: 10, VID: 0}
	if err := v.SetVID(20); err == nil {
		t.Fatal("expected SetVID to reject retagging the untagged VLAN")
	}
}

func TestSubnetsQueryByCIDR(t *testing.T) {
	c := fakeMAAS(t, map[string]string{
		"/subnets/": `[{"id":5,"cidr":"10.0.0.0/24","fabric":1,"vlan":10}]`,
	})
	subnets := NewSubnets(c)
	if err := subnets.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	matches := subnets.Query(ByCIDR("10.0.0.0/24"))
	if len(matches) != 1 {
		t.Fatalf("Query(ByCIDR) = %d matches, want 1", len(matches))
	}
}

func TestMachinesIdentifyBaremetalNodeByHostname(t *testing.T) {
	c := fakeMAAS(t, map[string]string{
		"/machines/": `[{"system_id":"abc123","hostname":"node-01","status_name":"New"}]`,
	})
	machines := NewMachines(c)
	if err := machines.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() = %v", err)
	}
	node := design.BaremetalNode{Name: "node-01"}
	m, err := machines.IdentifyBaremetalNode(context.Background(), node, false)
	if err != nil {
		t.Fatalf("IdentifyBaremetalNode() = %v", err)
	}
	if m == nil || m.SystemID != "abc123" {
		t.Fatalf("IdentifyBaremetalNode() = %+v", m)
	}
}

func TestMachineIsNewOrBroken(t *testing.T) {
	cases := map[string]bool{
		StatusNew:           true,
		StatusBroken:        true,
		StatusCommissioning: false,
		StatusReady:         false,
	}
	for status, want := range cases {
		m := &Machine{StatusName: status}
		if got := m.IsNewOrBroken(); got != want {
			t.Errorf("IsNewOrBroken() with status %q = %v, want %v", status, got, want)
		}
	}
}

func TestInterfaceIsLinked(t *testing.T) {
	i := &Interface{Links: []InterfaceLink{{SubnetID: 5}}}
	if !i.IsLinked(5) {
		t.Fatal("IsLinked(5) = false, want true")
	}
	if i.IsLinked(6) {
		t.Fatal("IsLinked(6) = true, want false")
	}
}

func TestInterfaceUnmarshalJSONRekeysNestedVLAN(t *testing.T) {
	var i Interface
	raw := `{"id":7,"system_id":"abc123","name":"eth0","type":"physical","mac_address":"aa:bb",
		"vlan":{"id":10,"fabric_id":1},
		"links":[{"id":1,"mode":"static","subnet":{"id":5},"ip_address":"10.0.0.5"}]}`
	if err := i.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("UnmarshalJSON() = %v", err)
	}
	if i.VLAN != 10 || i.FabricID != 1 {
		t.Fatalf("VLAN/FabricID = %d/%d, want 10/1", i.VLAN, i.FabricID)
	}
	if len(i.Links) != 1 || i.Links[0].SubnetID != 5 {
		t.Fatalf("Links = %+v", i.Links)
	}
}
