package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/domain"
	"github.com/jbweber/homelab/vlab/internal/ledger"
	"github.com/jbweber/homelab/vlab/internal/lifecycle"
	"github.com/jbweber/homelab/vlab/internal/network"
	"github.com/jbweber/homelab/vlab/internal/router"
	"github.com/jbweber/homelab/vlab/internal/testutil"
	"github.com/jbweber/homelab/vlab/internal/vlan"
)

type testEnv struct {
	router    chi.Router
	compute   *testutil.FakeCompute
	net       *testutil.FakeNetwork
	vpn       *testutil.FakeRouter
	directory *testutil.FakeDirectory
}

// setupTestAPI wires the API to a real manager backed by in-memory fakes
func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)

	alloc, err := vlan.NewAllocator("10.1.0.0/16")
	require.NoError(t, err)

	env := &testEnv{
		compute:   testutil.NewFakeCompute(),
		net:       testutil.NewFakeNetwork(),
		vpn:       testutil.NewFakeRouter(),
		directory: testutil.NewFakeDirectory(),
	}
	env.directory.AddUser(domain.User{ID: "u-alice", Email: "alice@example.com", Role: domain.RoleStudent})
	env.directory.AddUser(domain.User{ID: "u-bob", Email: "bob@example.com", Role: domain.RoleStudent})
	env.directory.AddUser(domain.User{ID: "u-teach", Email: "teach@example.com", Role: domain.RoleTeacher})
	env.directory.AddImage(domain.Image{ID: "img-ubuntu", Name: "ubuntu", FlavorID: "m1.small"})
	env.directory.AddLab(domain.Lab{ID: "lab-1", Name: "networking", Internet: true, Images: []domain.ImageQuantity{{ImageID: "img-ubuntu", Quantity: 2}}})
	env.directory.AddLab(domain.Lab{ID: "lab-2", Name: "security"})

	manager := lifecycle.NewManager(lifecycle.Deps{
		Compute:   env.compute,
		Directory: env.directory,
		Images:    env.directory,
		Networks:  network.NewProvisioner(env.net, alloc, network.Config{}, zerolog.Nop()),
		Router:    env.vpn,
		Ledger:    ledger.New(db, zerolog.Nop()),
	}, lifecycle.Config{
		Limits: lifecycle.Limits{InstancesPerLab: 5, LabsPerUser: 5},
		Wait:   lifecycle.WaitPolicy{Timeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond},
	}, zerolog.Nop())

	env.router = NewRouter(NewAPI(manager, manager.Orchestrator(), env.directory, zerolog.Nop()))
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthz(t *testing.T) {
	env := setupTestAPI(t)
	w := env.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetrics(t *testing.T) {
	env := setupTestAPI(t)
	w := env.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vlab_")
}

func TestIdentify(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "GET", "/api/v0/instances", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, "GET", "/api/v0/instances", "u-nobody", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", decodeBody[ErrorResponse](t, w).Code)

	w = env.do(t, "GET", "/api/v0/instances", "u-alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestCreateInstance(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "POST", "/api/v0/labs/lab-1/instances", "u-alice", CreateInstanceRequest{ImageID: "img-ubuntu", Name: "web"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inst := decodeBody[domain.Instance](t, w)
	assert.Equal(t, "web", inst.Name)
	assert.Equal(t, domain.StatusActive, inst.Status)

	w = env.do(t, "POST", "/api/v0/labs/lab-1/instances", "u-alice", CreateInstanceRequest{ImageID: "img-ubuntu", Name: "web"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "instance_exists", decodeBody[ErrorResponse](t, w).Code)

	w = env.do(t, "POST", "/api/v0/labs/lab-1/instances", "u-alice", CreateInstanceRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v0/labs/lab-1/instances", "u-alice", CreateInstanceRequest{ImageID: "img-missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateInstance_AnotherLabActive(t *testing.T) {
	env := setupTestAPI(t)
	env.compute.Add(domain.Instance{UserID: "u-alice", LabID: "lab-2", Status: domain.StatusActive})

	w := env.do(t, "POST", "/api/v0/labs/lab-1/instances", "u-alice", CreateInstanceRequest{ImageID: "img-ubuntu"})
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "another_lab_active", resp.Code)
	assert.NotEmpty(t, resp.Error)
}

func TestLaunchAndListInstances(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "POST", "/api/v0/labs/lab-1/launch", "u-alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decodeBody[lifecycle.LaunchReport](t, w)
	assert.Len(t, report.Created, 2)

	w = env.do(t, "GET", "/api/v0/instances", "u-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]domain.Instance](t, w), 2)

	w = env.do(t, "GET", "/api/v0/instances?user=u-alice", "u-bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "GET", "/api/v0/instances?user=u-alice", "u-teach", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]domain.Instance](t, w), 2)
}

func TestChangeState(t *testing.T) {
	env := setupTestAPI(t)
	inst := env.compute.Add(domain.Instance{UserID: "u-alice", LabID: "lab-1", Status: domain.StatusShutoff})
	path := fmt.Sprintf("/api/v0/instances/%s/state", inst.ID)

	w := env.do(t, "POST", path, "u-alice", ChangeStateRequest{Status: "suspended"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusShutoff, decodeBody[ChangeStateResponse](t, w).Status)

	w = env.do(t, "POST", path, "u-bob", ChangeStateRequest{Status: domain.StatusActive})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "POST", path, "u-alice", ChangeStateRequest{Status: domain.StatusBuilding})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v0/instances/missing/state", "u-alice", ChangeStateRequest{Status: domain.StatusShutoff})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshotAndDelete(t *testing.T) {
	env := setupTestAPI(t)
	inst := env.compute.Add(domain.Instance{Name: "golden", UserID: "u-alice", LabID: "lab-1", Status: domain.StatusShutoff})

	w := env.do(t, "POST", "/api/v0/instances/"+inst.ID+"/snapshot", "u-alice", SnapshotRequest{Name: "golden-v1"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, decodeBody[SnapshotResponse](t, w).ImageID)

	w = env.do(t, "POST", "/api/v0/instances/"+inst.ID+"/snapshot", "u-alice", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, "DELETE", "/api/v0/instances/"+inst.ID, "u-bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "DELETE", "/api/v0/instances/"+inst.ID, "u-alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, env.compute.Instances)
}

func TestLabs(t *testing.T) {
	env := setupTestAPI(t)
	spec := domain.LabSpec{Name: "forensics", Images: []domain.ImageQuantity{{ImageID: "img-ubuntu", Quantity: 1}}}

	w := env.do(t, "POST", "/api/v0/labs", "u-alice", spec)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "POST", "/api/v0/labs", "u-teach", spec)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[CreateLabResponse](t, w)
	assert.Equal(t, "forensics", created.Lab.Name)
	assert.Equal(t, network.NoInternetGroup, created.SecurityGroups.NoInternet.Name)

	w = env.do(t, "POST", "/api/v0/labs", "u-teach", spec)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, "POST", "/api/v0/labs", "u-teach", domain.LabSpec{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "DELETE", "/api/v0/labs/"+created.Lab.ID, "u-alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "DELETE", "/api/v0/labs/"+created.Lab.ID, "u-teach", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotContains(t, env.directory.Labs, created.Lab.ID)
}

func TestUserVlans(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "POST", "/api/v0/labs/lab-1/instances", "u-alice", CreateInstanceRequest{ImageID: "img-ubuntu"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, "GET", "/api/v0/users/u-alice/vlans", "u-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	vlans := decodeBody[lifecycle.UserVlans](t, w)
	require.Len(t, vlans.Vlans, 1)
	assert.Equal(t, "10.1.0.0/28", vlans.Vlans[0].CIDR)
	require.NotNil(t, vlans.Binding.ActiveVlan)
	assert.Equal(t, vlans.Vlans[0].ID, *vlans.Binding.ActiveVlan)

	w = env.do(t, "GET", "/api/v0/users/u-alice/vlans", "u-bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "GET", "/api/v0/users/u-alice/vlans", "u-teach", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVPN(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "POST", "/api/v0/users/u-alice/vpn", "u-alice", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[VPNResponse](t, w)
	assert.NotEmpty(t, created.Password)
	assert.Equal(t, created.Password, env.vpn.Secrets["alice@example.com"])

	w = env.do(t, "PUT", "/api/v0/users/u-alice/vpn", "u-alice", VPNRequest{Password: "s3cret-Passw0rd"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s3cret-Passw0rd", env.vpn.Secrets["alice@example.com"])

	env.vpn.Fail("ResetVPNCredential", fmt.Errorf("password: %w", router.ErrInvalidInput))
	w = env.do(t, "PUT", "/api/v0/users/u-alice/vpn", "u-alice", VPNRequest{Password: "bad pass"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "DELETE", "/api/v0/users/u-alice/vpn", "u-bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "DELETE", "/api/v0/users/u-alice/vpn", "u-alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotContains(t, env.vpn.Secrets, "alice@example.com")
}

func TestInvalidJSON(t *testing.T) {
	env := setupTestAPI(t)
	req := httptest.NewRequest("POST", "/api/v0/labs/lab-1/instances", bytes.NewBufferString("{"))
	req.Header.Set(UserHeader, "u-alice")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{lifecycle.ErrAnotherLabActive, http.StatusConflict, "another_lab_active"},
		{fmt.Errorf("x: %w", lifecycle.ErrTooManyActiveInstancesInLab), http.StatusConflict, "too_many_active_instances"},
		{lifecycle.ErrTooManyLabs, http.StatusConflict, "too_many_labs"},
		{lifecycle.ErrNotOwner, http.StatusForbidden, "forbidden"},
		{lifecycle.ErrInstanceNotFound, http.StatusNotFound, "not_found"},
		{&lifecycle.OrchestrationError{Op: "create", Step: "lab", Err: cloud.ErrNotFound}, http.StatusNotFound, "not_found"},
		{ledger.ErrNotFound, http.StatusNotFound, "not_found"},
		{router.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
		{cloud.ErrMalformed, http.StatusBadRequest, "invalid_request"},
		{cloud.ErrQuotaExceeded, http.StatusConflict, "quota_exceeded"},
		{cloud.ErrForbidden, http.StatusBadGateway, "cloud_forbidden"},
		{fmt.Errorf("%w: i-1", lifecycle.ErrUnknownFault), http.StatusBadGateway, "instance_error"},
		{&lifecycle.ConvergenceError{InstanceID: "i-1"}, http.StatusGatewayTimeout, "not_converged"},
		{cloud.ErrTransient, http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
