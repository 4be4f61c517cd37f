package fsm

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/superfly/fsm"

	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
	"github.com/tietjen/generate-linux-templates/pkg/qm/qmtest"
	"github.com/tietjen/generate-linux-templates/pkg/security"
	"github.com/tietjen/generate-linux-templates/pkg/storage"
)

// memStore is an in-memory ledger that both records and serves attempts.
type memStore struct {
	mu       sync.Mutex
	attempts map[string]provision.Attempt
}

func newMemStore() *memStore {
	return &memStore{attempts: make(map[string]provision.Attempt)}
}

func (s *memStore) SaveAttempt(ctx context.Context, a *provision.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = *a
	return nil
}

func (s *memStore) GetAttempt(ctx context.Context, id string) (*provision.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

type fileFetcher struct{}

func (fileFetcher) Fetch(ctx context.Context, url, dest string) (*storage.DownloadResult, error) {
	if err := os.WriteFile(dest, []byte("image"), 0644); err != nil {
		return nil, err
	}
	return &storage.DownloadResult{Path: dest, Size: 5, Success: true}, nil
}

type step struct {
	name string
	from provision.State
}

var pipeline = []step{
	{StateDownload, provision.StateIdle},
	{StateCreate, provision.StateImageAcquired},
	{StateDiskAttach, provision.StateVMAllocated},
	{StateConfigure, provision.StateDiskAttached},
	{StateCloudInit, provision.StateProfileApplied},
	{StateConvert, provision.StateCloudInitAttached},
	{StateCleanup, provision.StateConverted},
}

func newTestMachine(t *testing.T, hv *qmtest.Hypervisor) (*Machine, *memStore, catalog.Image) {
	t.Helper()
	c, err := catalog.Parse([]byte(`{"debian-12": {"url": "https://example.com/debian-12.qcow2", "vm_id": 9000}}`))
	if err != nil {
		t.Fatal(err)
	}
	img, _ := c.Lookup("debian-12")

	store := newMemStore()
	cfg := provision.Config{Storage: "local-zfs", Bridge: "vmbr0", Cores: 4, Memory: 1024, DiskMinGB: 8, WorkDir: t.TempDir()}
	prov := provision.New(hv, fileFetcher{}, security.NewValidator(0), cfg, store)
	return NewMachine(prov, store, c, 3), store, img
}

// runHandlers feeds the attempt through every handler in order, the way the
// FSM manager would, stopping at the first aborted transition.
func runHandlers(m *Machine, req *ProvisionRequest) error {
	resp := &ProvisionResponse{}
	for _, s := range pipeline {
		_, err := m.stepHandler(s.name, s.from)(context.Background(), fsm.NewRequest(req, resp))
		if err != nil {
			return err
		}
	}
	return nil
}

func TestHandlers_FullPipeline(t *testing.T) {
	hv := qmtest.New()
	m, store, img := newTestMachine(t, hv)

	a := m.prov.Begin(context.Background(), "batch-1", img)
	if err := runHandlers(m, &ProvisionRequest{AttemptID: a.ID, ImageKey: img.Key}); err != nil {
		t.Fatalf("handlers failed: %v", err)
	}

	final, _ := store.GetAttempt(context.Background(), a.ID)
	if final.State != provision.StateCleanedUp {
		t.Fatalf("state = %s, want cleaned_up", final.State)
	}
	if vm := hv.VM(img.TemplateID); vm == nil || !vm.Template {
		t.Error("expected a template on the host")
	}
}

func TestHandlers_FailureAbortsWithRollback(t *testing.T) {
	hv := qmtest.New()
	hv.FailOn(qmtest.OpImport, 9000, nil)
	m, store, img := newTestMachine(t, hv)

	a := m.prov.Begin(context.Background(), "", img)
	if err := runHandlers(m, &ProvisionRequest{AttemptID: a.ID, ImageKey: img.Key}); err == nil {
		t.Fatal("expected aborted transition")
	}

	final, _ := store.GetAttempt(context.Background(), a.ID)
	if final.State != provision.StateFailed || final.FailedStep != provision.StepDiskAttach {
		t.Errorf("attempt = %+v", final)
	}
	if hv.VM(9000) != nil {
		t.Error("VM should have been destroyed")
	}
}

func TestHandlers_TerminalPassesThrough(t *testing.T) {
	hv := qmtest.New()
	hv.AddVM(9000)
	m, store, img := newTestMachine(t, hv)

	a := m.prov.Begin(context.Background(), "", img)
	if err := runHandlers(m, &ProvisionRequest{AttemptID: a.ID, ImageKey: img.Key}); err != nil {
		t.Fatalf("handlers failed: %v", err)
	}

	final, _ := store.GetAttempt(context.Background(), a.ID)
	if final.State != provision.StateSkippedExists {
		t.Errorf("state = %s, want skipped_exists", final.State)
	}
	for _, op := range hv.Ops(9000) {
		if op != qmtest.OpExists {
			t.Errorf("unexpected host call %s after skip", op)
		}
	}
}

func TestHandlers_Cancelled(t *testing.T) {
	hv := qmtest.New()
	m, store, img := newTestMachine(t, hv)

	a := m.prov.Begin(context.Background(), "", img)
	req := &ProvisionRequest{AttemptID: a.ID, ImageKey: img.Key}

	// Download completes, then the operator interrupts
	if _, err := m.stepHandler(StateDownload, provision.StateIdle)(context.Background(), fsm.NewRequest(req, &ProvisionResponse{})); err != nil {
		t.Fatalf("download handler failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.setRunContext(ctx)

	if _, err := m.stepHandler(StateCreate, provision.StateImageAcquired)(context.Background(), fsm.NewRequest(req, &ProvisionResponse{})); err == nil {
		t.Fatal("expected abort on cancellation")
	}

	final, _ := store.GetAttempt(context.Background(), a.ID)
	if final.State != provision.StateFailed || !final.Cancelled || final.FailedStep != provision.StepCreate {
		t.Errorf("attempt = %+v", final)
	}
	if len(hv.Calls()) != 0 {
		t.Error("no host calls expected")
	}
}

func TestHandlers_UnknownAttempt(t *testing.T) {
	m, _, img := newTestMachine(t, qmtest.New())

	_, err := m.stepHandler(StateDownload, provision.StateIdle)(context.Background(),
		fsm.NewRequest(&ProvisionRequest{AttemptID: "missing", ImageKey: img.Key}, &ProvisionResponse{}))
	if err == nil {
		t.Fatal("expected error for unknown attempt")
	}
}

func TestMachine_RunContextSharedWithHandlers(t *testing.T) {
	m, _, _ := newTestMachine(t, qmtest.New())

	if m.cancelled() {
		t.Fatal("no run in flight should not report cancellation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.cancelled()
			}
		}()
	}
	for j := 0; j < 1000; j++ {
		m.setRunContext(ctx)
		m.setRunContext(nil)
	}
	wg.Wait()

	m.setRunContext(ctx)
	if m.cancelled() {
		t.Error("live context reported as cancelled")
	}
	cancel()
	if !m.cancelled() {
		t.Error("cancelled context not observed")
	}
	m.setRunContext(nil)
	if m.cancelled() {
		t.Error("cleared run context should not report cancellation")
	}
}
