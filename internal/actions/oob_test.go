package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"siteforge/internal/clock"
	"siteforge/internal/design"
	"siteforge/internal/oobapi"
	"siteforge/pkg/task"
)

// fakeOOBClient is a hand-rolled stub for the small oobapi.Client
// interface, in the teacher's stdlib-only testing style (no mocking
// library).
type fakeOOBClient struct {
	connectivityErr error
	authErr         error
	mountErr        error
	bootErr         error
	resetErr        error

	powerStates []oobapi.PowerState // consumed in order by successive PowerState calls
	powerIdx    int

	lastReset  oobapi.ResetType
	lastBoot   oobapi.BootDevice
	lastMedia  string
	mountCalls int
}

func (f *fakeOOBClient) MountVirtualMedia(ctx context.Context, isoURL string) error {
	f.mountCalls++
	f.lastMedia = isoURL
	return f.mountErr
}

func (f *fakeOOBClient) UnmountVirtualMedia(ctx context.Context) error { return nil }

func (f *fakeOOBClient) SetOneTimeBoot(ctx context.Context, device oobapi.BootDevice) error {
	f.lastBoot = device
	return f.bootErr
}

func (f *fakeOOBClient) PowerState(ctx context.Context) (oobapi.PowerState, error) {
	if f.powerIdx >= len(f.powerStates) {
		return f.powerStates[len(f.powerStates)-1], nil
	}
	s := f.powerStates[f.powerIdx]
	f.powerIdx++
	return s, nil
}

func (f *fakeOOBClient) Reset(ctx context.Context, reset oobapi.ResetType) error {
	f.lastReset = reset
	return f.resetErr
}

func (f *fakeOOBClient) TestConnectivity(ctx context.Context) error   { return f.connectivityErr }
func (f *fakeOOBClient) TestAuthentication(ctx context.Context) error { return f.authErr }

var _ oobapi.Client = (*fakeOOBClient)(nil)

func siteWithOneNode(name string) design.SiteDesign {
	return design.SiteDesign{Nodes: map[string]design.BaremetalNode{name: {Name: name}}}
}

func TestOobNodeRejectsMultiNodeTask(t *testing.T) {
	site := siteWithOneNode("node-01")
	tk := task.New(task.ActionValidateOobServices, "design-1", "site-1")
	tk.NodeList = []string{"node-01", "node-02"}

	if _, err := oobNode(&tk, site); err == nil {
		t.Fatal("expected an error for a multi-node OOB task")
	}
}

func TestValidateOobServicesSuccess(t *testing.T) {
	site := siteWithOneNode("node-01")
	tk := task.New(task.ActionValidateOobServices, "design-1", "site-1")
	tk.NodeList = []string{"node-01"}

	if err := ValidateOobServices(context.Background(), &tk, site, &fakeOOBClient{}); err != nil {
		t.Fatalf("ValidateOobServices() = %v", err)
	}
	if tk.Result != task.ResultSuccess {
		t.Fatalf("Result = %s, want Success", tk.Result)
	}
}

func TestValidateOobServicesFailsOnAuthError(t *testing.T) {
	site := siteWithOneNode("node-01")
	tk := task.New(task.ActionValidateOobServices, "design-1", "site-1")
	tk.NodeList = []string{"node-01"}

	client := &fakeOOBClient{authErr: errors.New("unauthorized")}
	if err := ValidateOobServices(context.Background(), &tk, site, client); err != nil {
		t.Fatalf("ValidateOobServices() = %v", err)
	}
	if tk.Result != task.ResultFailure {
		t.Fatalf("Result = %s, want Failure", tk.Result)
	}
}

func TestConfigNodePxeMountsMediaAndSetsBootDevice(t *testing.T) {
	site := siteWithOneNode("node-01")
	tk := task.New(task.ActionConfigNodePxe, "design-1", "site-1")
	tk.NodeList = []string{"node-01"}
	tk.Scope = map[string]any{"boot_image_url": "http://images.example.com/a.iso"}

	client := &fakeOOBClient{}
	if err := ConfigNodePxe(context.Background(), &tk, site, client); err != nil {
		t.Fatalf("ConfigNodePxe() = %v", err)
	}
	if tk.Result != task.ResultSuccess {
		t.Fatalf("Result = %s, want Success; detail=%v", tk.Result, tk.ResultDetail.Detail)
	}
	if client.lastMedia != "http://images.example.com/a.iso" {
		t.Fatalf("lastMedia = %q", client.lastMedia)
	}
	if client.lastBoot != oobapi.BootDeviceCD {
		t.Fatalf("lastBoot = %q, want Cd", client.lastBoot)
	}
}

func TestConfigNodePxeFailsWithoutBootImageURL(t *testing.T) {
	site := siteWithOneNode("node-01")
	tk := task.New(task.ActionConfigNodePxe, "design-1", "site-1")
	tk.NodeList = []string{"node-01"}

	if err := ConfigNodePxe(context.Background(), &tk, site, &fakeOOBClient{}); err != nil {
		t.Fatalf("ConfigNodePxe() = %v", err)
	}
	if tk.Result != task.ResultFailure {
		t.Fatalf("Result = %s, want Failure", tk.Result)
	}
}

func TestPowerOnNodeWaitsForStateChange(t *testing.T) {
	prevClock := powerPollClock
	powerPollClock = clock.NewFake(time.Unix(0, 0))
	defer func() { powerPollClock = prevClock }()

	site := siteWithOneNode("node-01")
	tk := task.New(task.ActionPowerOnNode, "design-1", "site-1")
	tk.NodeList = []string{"node-01"}

	client := &fakeOOBClient{powerStates: []oobapi.PowerState{oobapi.PowerStateOff, oobapi.PowerStatePoweringOn, oobapi.PowerStateOn}}
	if err := PowerOnNode(context.Background(), &tk, site, client); err != nil {
		t.Fatalf("PowerOnNode() = %v", err)
	}
	if tk.Result != task.ResultSuccess {
		t.Fatalf("Result = %s, want Success; detail=%v", tk.Result, tk.ResultDetail.Detail)
	}
	if client.lastReset != oobapi.ResetOn {
		t.Fatalf("lastReset = %q, want On", client.lastReset)
	}
}

func TestPowerOffNodeFailsWhenStateNeverSettles(t *testing.T) {
	prevClock := powerPollClock
	powerPollClock = clock.NewFake(time.Unix(0, 0))
	defer func() { powerPollClock = prevClock }()

	site := siteWithOneNode("node-01")
	tk := task.New(task.ActionPowerOffNode, "design-1", "site-1")
	tk.NodeList = []string{"node-01"}

	client := &fakeOOBClient{powerStates: []oobapi.PowerState{oobapi.PowerStateOn}}
	if err := PowerOffNode(context.Background(), &tk, site, client); err != nil {
		t.Fatalf("PowerOffNode() = %v", err)
	}
	if tk.Result != task.ResultFailure {
		t.Fatalf("Result = %s, want Failure when power state never reaches Off", tk.Result)
	}
	if !tk.ResultDetail.Retry {
		t.Fatal("ResultDetail.Retry = false, want true when the target power state never converges")
	}
}

func TestInterrogateOobReportsPowerState(t *testing.T) {
	site := siteWithOneNode("node-01")
	tk := task.New(task.ActionInterrogateOob, "design-1", "site-1")
	tk.NodeList = []string{"node-01"}

	client := &fakeOOBClient{powerStates: []oobapi.PowerState{oobapi.PowerStateOn}}
	if err := InterrogateOob(context.Background(), &tk, site, client); err != nil {
		t.Fatalf("InterrogateOob() = %v", err)
	}
	if tk.Result != task.ResultSuccess {
		t.Fatalf("Result = %s, want Success", tk.Result)
	}
}
