package driver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"siteforge/internal/config"
	"siteforge/internal/design"
	"siteforge/internal/maasapi"
	"siteforge/internal/oobapi"
	"siteforge/internal/remote"
	"siteforge/internal/store"
	"siteforge/pkg/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	s, err := store.Open(ctx, filepath.Join(dir, "driver-test.db"))
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeOOBClient is a minimal hand-rolled stub of oobapi.Client, in the
// teacher's stdlib-only testing style.
type fakeOOBClient struct {
	mu          sync.Mutex
	connErr     error
	authErr     error
	powerState  oobapi.PowerState
}

func (f *fakeOOBClient) MountVirtualMedia(ctx context.Context, isoURL string) error   { return nil }
func (f *fakeOOBClient) UnmountVirtualMedia(ctx context.Context) error                { return nil }
func (f *fakeOOBClient) SetOneTimeBoot(ctx context.Context, device oobapi.BootDevice) error {
	return nil
}
func (f *fakeOOBClient) PowerState(ctx context.Context) (oobapi.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powerState, nil
}
func (f *fakeOOBClient) Reset(ctx context.Context, reset oobapi.ResetType) error { return nil }
func (f *fakeOOBClient) TestConnectivity(ctx context.Context) error              { return f.connErr }
func (f *fakeOOBClient) TestAuthentication(ctx context.Context) error            { return f.authErr }

var _ oobapi.Client = (*fakeOOBClient)(nil)

func twoNodeSite() design.SiteDesign {
	return design.SiteDesign{
		Nodes: map[string]design.BaremetalNode{
			"node-01": {Name: "node-01"},
			"node-02": {Name: "node-02"},
		},
	}
}

func TestAggregateChildrenIsOrderIndependent(t *testing.T) {
	success := &task.Task{Result: task.ResultSuccess}
	failure := &task.Task{Result: task.ResultFailure}

	a := aggregateChildren([]*task.Task{success, failure})
	b := aggregateChildren([]*task.Task{failure, success})
	if a != b {
		t.Fatalf("aggregateChildren not order-independent: %s vs %s", a, b)
	}
	if a != task.ResultPartialSuccess {
		t.Fatalf("aggregateChildren(success, failure) = %s, want PartialSuccess", a)
	}
}

func TestAggregateChildrenAllSuccessIsSuccess(t *testing.T) {
	children := []*task.Task{{Result: task.ResultSuccess}, {Result: task.ResultSuccess}}
	if got := aggregateChildren(children); got != task.ResultSuccess {
		t.Fatalf("aggregateChildren() = %s, want Success", got)
	}
}

func TestAggregateChildrenAllFailureIsFailure(t *testing.T) {
	children := []*task.Task{{Result: task.ResultFailure}, {Result: task.ResultFailure}}
	if got := aggregateChildren(children); got != task.ResultFailure {
		t.Fatalf("aggregateChildren() = %s, want Failure", got)
	}
}

func TestBubbleDetailUnionsNodesAndMessages(t *testing.T) {
	c1 := &task.Task{ResultDetail: task.ResultDetail{SuccessfulNodes: []string{"node-01"}, Detail: []string{"a"}}}
	c2 := &task.Task{ResultDetail: task.ResultDetail{FailedNodes: []string{"node-02"}, Detail: []string{"b"}}}

	detail := bubbleDetail([]*task.Task{c1, c2})
	if len(detail.SuccessfulNodes) != 1 || detail.SuccessfulNodes[0] != "node-01" {
		t.Fatalf("SuccessfulNodes = %+v", detail.SuccessfulNodes)
	}
	if len(detail.FailedNodes) != 1 || detail.FailedNodes[0] != "node-02" {
		t.Fatalf("FailedNodes = %+v", detail.FailedNodes)
	}
	if len(detail.Detail) != 2 {
		t.Fatalf("Detail = %+v, want 2 messages", detail.Detail)
	}
}

func TestOOBDriverFansOutAndAggregatesSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	site := twoNodeSite()
	resolver := design.NewStaticResolver(map[string]design.SiteDesign{"design-1": site})

	newClient := func(node design.BaremetalNode) (oobapi.Client, error) {
		return &fakeOOBClient{}, nil
	}
	cfg := config.DefaultDriverConfig()
	cfg.DrydockTimeout = 2 * time.Second
	d := NewOOBDriver(st, resolver, newClient, cfg, nil)

	parent := task.New(task.ActionValidateOobServices, "design-1", "site-1")
	parent.NodeList = []string{"node-01", "node-02"}
	if err := st.CreateTask(ctx, parent); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.ClaimTask(ctx, parent.ID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	d.runParent(ctx, &parent)

	got, err := st.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != task.StatusComplete {
		t.Fatalf("Status = %s, want Complete", got.Status)
	}
	if got.Result != task.ResultSuccess {
		t.Fatalf("Result = %s, want Success; detail=%+v", got.Result, got.ResultDetail)
	}

	children, err := st.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListChildren failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.Result != task.ResultSuccess {
			t.Fatalf("child %s Result = %s, want Success", c.ID, c.Result)
		}
		if len(c.NodeList) != 1 {
			t.Fatalf("child %s NodeList = %v, want exactly one node", c.ID, c.NodeList)
		}
	}
}

func TestOOBDriverPartialFailureYieldsPartialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	site := twoNodeSite()
	resolver := design.NewStaticResolver(map[string]design.SiteDesign{"design-1": site})

	newClient := func(node design.BaremetalNode) (oobapi.Client, error) {
		if node.Name == "node-02" {
			return &fakeOOBClient{authErr: errors.New("unauthorized")}, nil
		}
		return &fakeOOBClient{}, nil
	}
	cfg := config.DefaultDriverConfig()
	cfg.DrydockTimeout = 2 * time.Second
	d := NewOOBDriver(st, resolver, newClient, cfg, nil)

	parent := task.New(task.ActionValidateOobServices, "design-1", "site-1")
	parent.NodeList = []string{"node-01", "node-02"}
	if err := st.CreateTask(ctx, parent); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.ClaimTask(ctx, parent.ID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	d.runParent(ctx, &parent)

	got, err := st.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Result != task.ResultPartialSuccess {
		t.Fatalf("Result = %s, want PartialSuccess; detail=%+v", got.Result, got.ResultDetail)
	}
}

func TestOOBDriverEmptyNodeListFailsTask(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	resolver := design.NewStaticResolver(map[string]design.SiteDesign{"design-1": twoNodeSite()})
	d := NewOOBDriver(st, resolver, func(design.BaremetalNode) (oobapi.Client, error) {
		return &fakeOOBClient{}, nil
	}, config.DefaultDriverConfig(), nil)

	parent := task.New(task.ActionValidateOobServices, "design-1", "site-1")
	if err := st.CreateTask(ctx, parent); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.ClaimTask(ctx, parent.ID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	d.runParent(ctx, &parent)

	got, err := st.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Result != task.ResultFailure {
		t.Fatalf("Result = %s, want Failure for an empty node list", got.Result)
	}
}

func TestNodeProvisioningDriverClaimOneDispatchesOnlyRegisteredActions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	resolver := design.NewStaticResolver(map[string]design.SiteDesign{"design-1": twoNodeSite()})
	d := NewNodeProvisioningDriver(st, resolver, nil, config.DefaultDriverConfig(), nil)

	unrelated := task.New(task.ActionPowerOnNode, "design-1", "site-1")
	if err := st.CreateTask(ctx, unrelated); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if d.claimOne(ctx) {
		t.Fatal("claimOne() claimed an OOB-only task; Node Provisioning Driver must not dispatch it")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

// newTestMaasClient builds a maasapi.Client whose "machines.list" call
// reports one machine per name in foundHostnames, so IdentifyNode
// subtasks can be driven deterministically without a real MAAS server.
func newTestMaasClient(t *testing.T, foundHostnames ...string) *maasapi.Client {
	t.Helper()
	var b strings.Builder
	b.WriteByte('[')
	for i, h := range foundHostnames {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"system_id":"` + h + `-id","hostname":"` + h + `","status_name":"Ready"}`)
	}
	b.WriteByte(']')
	body := b.String()

	rt := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "/machines/") {
			return jsonResponse(body), nil
		}
		return jsonResponse(`{}`), nil
	})
	rc, err := remote.NewClient("https://maas.example.com/MAAS/api/2.0", "ck:tk:ts", true, remote.ServiceMAAS, remote.WithHTTPClient(&http.Client{Transport: rt}))
	if err != nil {
		t.Fatalf("remote.NewClient() = %v", err)
	}
	return maasapi.NewClient(rc)
}

func TestNodeProvisioningDriverFansOutAndAggregatesSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	site := twoNodeSite()
	resolver := design.NewStaticResolver(map[string]design.SiteDesign{"design-1": site})
	client := newTestMaasClient(t, "node-01", "node-02")

	cfg := config.DefaultDriverConfig()
	cfg.DrydockTimeout = 2 * time.Second
	d := NewNodeProvisioningDriver(st, resolver, client, cfg, nil)
	d.fanoutPollInterval = time.Millisecond

	parent := task.New(task.ActionIdentifyNode, "design-1", "site-1")
	parent.NodeList = []string{"node-01", "node-02"}
	if err := st.CreateTask(ctx, parent); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.ClaimTask(ctx, parent.ID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	d.runParent(ctx, &parent)

	got, err := st.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != task.StatusComplete {
		t.Fatalf("Status = %s, want Complete", got.Status)
	}
	if got.Result != task.ResultSuccess {
		t.Fatalf("Result = %s, want Success; detail=%+v", got.Result, got.ResultDetail)
	}

	children, err := st.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListChildren failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(children))
	}
	for _, c := range children {
		if len(c.NodeList) != 1 {
			t.Fatalf("child %s NodeList = %v, want exactly one node", c.ID, c.NodeList)
		}
	}
}

func TestNodeProvisioningDriverPartialFailureYieldsPartialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	site := twoNodeSite()
	resolver := design.NewStaticResolver(map[string]design.SiteDesign{"design-1": site})
	client := newTestMaasClient(t, "node-01") // node-02 not reported by MAAS

	cfg := config.DefaultDriverConfig()
	cfg.DrydockTimeout = 2 * time.Second
	d := NewNodeProvisioningDriver(st, resolver, client, cfg, nil)
	d.fanoutPollInterval = time.Millisecond

	parent := task.New(task.ActionIdentifyNode, "design-1", "site-1")
	parent.NodeList = []string{"node-01", "node-02"}
	if err := st.CreateTask(ctx, parent); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.ClaimTask(ctx, parent.ID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	d.runParent(ctx, &parent)

	got, err := st.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Result != task.ResultPartialSuccess {
		t.Fatalf("Result = %s, want PartialSuccess; detail=%+v", got.Result, got.ResultDetail)
	}
}

func TestNodeProvisioningDriverEmptyNodeListFailsTask(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	resolver := design.NewStaticResolver(map[string]design.SiteDesign{"design-1": twoNodeSite()})
	d := NewNodeProvisioningDriver(st, resolver, newTestMaasClient(t), config.DefaultDriverConfig(), nil)

	parent := task.New(task.ActionIdentifyNode, "design-1", "site-1")
	if err := st.CreateTask(ctx, parent); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.ClaimTask(ctx, parent.ID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	d.runParent(ctx, &parent)

	got, err := st.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Result != task.ResultFailure {
		t.Fatalf("Result = %s, want Failure for an empty node list", got.Result)
	}
}

// TestNodeProvisioningDriverBudgetExhaustionYieldsDependentFailure covers
// the two halves of spec §4.4/§4.6's Scenario 6 separately: awaitChildren
// reports onTime=false when the poll budget runs out before a child
// completes, and the DependentFailure record runParent writes in that
// case (with the literal detail string) round-trips through the store.
// It does not call runParent itself.
func TestNodeProvisioningDriverBudgetExhaustionYieldsDependentFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	site := twoNodeSite()
	resolver := design.NewStaticResolver(map[string]design.SiteDesign{"design-1": site})

	cfg := config.DefaultDriverConfig()
	cfg.DrydockTimeout = 2 * time.Second
	d := NewNodeProvisioningDriver(st, resolver, newTestMaasClient(t), cfg, nil)
	d.fanoutPollInterval = time.Millisecond

	parent := task.New(task.ActionIdentifyNode, "design-1", "site-1")
	parent.NodeList = []string{"node-01"}
	if err := st.CreateTask(ctx, parent); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := st.ClaimTask(ctx, parent.ID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	childIDs := []string{"missing-child-never-completes"}
	children, onTime := d.awaitChildren(ctx, childIDs, 0)
	if onTime {
		t.Fatal("awaitChildren() reported onTime=true for a child that never reports complete")
	}
	if len(children) != 0 {
		t.Fatalf("children = %+v, want none resolvable", children)
	}

	detail := bubbleDetail(children)
	detail.AddDetail(dependentFailureDetail)
	status := task.StatusComplete
	result := task.ResultDependentFailure
	if err := st.UpdateTaskFields(ctx, parent.ID, store.FieldUpdate{Status: &status, Result: &result, ResultDetail: &detail}); err != nil {
		t.Fatalf("UpdateTaskFields failed: %v", err)
	}

	got, err := st.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Result != task.ResultDependentFailure {
		t.Fatalf("Result = %s, want DependentFailure", got.Result)
	}
	found := false
	for _, msg := range got.ResultDetail.Detail {
		if msg == dependentFailureDetail {
			found = true
		}
	}
	if !found {
		t.Fatalf("Detail = %v, want it to contain %q", got.ResultDetail.Detail, dependentFailureDetail)
	}
}
