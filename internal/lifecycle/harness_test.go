package lifecycle

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/events"
	"github.com/jbweber/homelab/vlab/internal/ledger"
	"github.com/jbweber/homelab/vlab/internal/network"
	"github.com/jbweber/homelab/vlab/internal/testutil"
	"github.com/jbweber/homelab/vlab/internal/vlan"
)

var (
	alice   = domain.User{ID: "u-alice", Name: "alice", Email: "alice@example.com", Role: domain.RoleStudent}
	bob     = domain.User{ID: "u-bob", Name: "bob", Email: "bob@example.com", Role: domain.RoleStudent}
	teacher = domain.User{ID: "u-teach", Name: "teach", Email: "teach@example.com", Role: domain.RoleTeacher}
)

type harness struct {
	compute   *testutil.FakeCompute
	net       *testutil.FakeNetwork
	router    *testutil.FakeRouter
	directory *testutil.FakeDirectory
	ledger    *ledger.Ledger
	events    *events.Recorder
	manager   *Manager
	orch      *Orchestrator
}

func testConfig() Config {
	return Config{
		Limits: Limits{InstancesPerLab: 5, LabsPerUser: 5},
		Wait:   WaitPolicy{Timeout: 100 * time.Millisecond, PollInterval: 5 * time.Millisecond},
	}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, testConfig())
}

func newHarnessWithConfig(t *testing.T, cfg Config) *harness {
	t.Helper()

	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)

	alloc, err := vlan.NewAllocator("10.1.0.0/16")
	require.NoError(t, err)

	h := &harness{
		compute:   testutil.NewFakeCompute(),
		net:       testutil.NewFakeNetwork(),
		router:    testutil.NewFakeRouter(),
		directory: testutil.NewFakeDirectory(),
		ledger:    ledger.New(db, zerolog.Nop()),
		events:    &events.Recorder{},
	}

	for _, u := range []domain.User{alice, bob, teacher} {
		h.directory.AddUser(u)
	}
	h.directory.AddImage(domain.Image{ID: "img-ubuntu", Name: "ubuntu", FlavorID: "m1.small"})
	h.directory.AddImage(domain.Image{ID: "img-kali", Name: "kali", FlavorID: "m1.large"})
	h.directory.AddLab(domain.Lab{ID: "lab-1", Name: "networking", Internet: true, Images: []domain.ImageQuantity{
		{ImageID: "img-ubuntu", Quantity: 2},
		{ImageID: "img-kali", Quantity: 1},
	}})
	h.directory.AddLab(domain.Lab{ID: "lab-2", Name: "security", Images: []domain.ImageQuantity{
		{ImageID: "img-kali", Quantity: 1},
	}})
	h.directory.AddLab(domain.Lab{ID: "lab-3", Name: "databases"})

	provisioner := network.NewProvisioner(h.net, alloc, network.Config{PhysicalNetwork: "provider"}, zerolog.Nop())
	h.manager = NewManager(Deps{
		Compute:   h.compute,
		Directory: h.directory,
		Images:    h.directory,
		Networks:  provisioner,
		Router:    h.router,
		Ledger:    h.ledger,
		Events:    h.events,
	}, cfg, zerolog.Nop())
	h.orch = h.manager.Orchestrator()
	return h
}

// count returns how often method appears in calls
func count(calls []string, method string) int {
	n := 0
	for _, c := range calls {
		if c == method {
			n++
		}
	}
	return n
}
