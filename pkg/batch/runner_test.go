package batch

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/tietjen/generate-linux-templates/pkg/catalog"
	"github.com/tietjen/generate-linux-templates/pkg/provision"
	"github.com/tietjen/generate-linux-templates/pkg/qm/qmtest"
	"github.com/tietjen/generate-linux-templates/pkg/security"
	"github.com/tietjen/generate-linux-templates/pkg/storage"
)

const testCatalog = `{
  "debian-12":    {"url": "https://example.com/debian-12.qcow2", "vm_id": 9000},
  "ubuntu-24.04": {"url": "https://example.com/noble.img", "vm_id": 9002},
  "fedora-42":    {"url": "https://example.com/fedora-42.qcow2", "vm_id": 9003}
}`

type fileFetcher struct {
	onFetch func()
}

func (f *fileFetcher) Fetch(ctx context.Context, url, dest string) (*storage.DownloadResult, error) {
	if f.onFetch != nil {
		f.onFetch()
	}
	if err := os.WriteFile(dest, []byte("image"), 0644); err != nil {
		return nil, err
	}
	return &storage.DownloadResult{Path: dest, Size: 5, Success: true}, nil
}

func newTestRunner(t *testing.T, hv *qmtest.Hypervisor, fetcher *fileFetcher, failFast bool) *Runner {
	t.Helper()
	c, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	cfg := provision.Config{
		SSHKeyFile: "/root/id_rsa.pub",
		Username:   "admin",
		Storage:    "local-zfs",
		Bridge:     "vmbr0",
		Cores:      4,
		Memory:     1024,
		DiskMinGB:  8,
		WorkDir:    t.TempDir(),
	}
	p := provision.New(hv, fetcher, security.NewValidator(0), cfg, nil)
	return NewRunner(c, p, failFast)
}

func statuses(r *Report) []provision.Status {
	s := make([]provision.Status, len(r.Outcomes))
	for i, o := range r.Outcomes {
		s[i] = o.Status
	}
	return s
}

func TestRun_FailureDoesNotStopBatch(t *testing.T) {
	hv := qmtest.New()
	hv.FailOn(qmtest.OpImport, 9002, nil)
	runner := newTestRunner(t, hv, &fileFetcher{}, false)

	report, err := runner.Run(context.Background(), []string{AllImages})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []provision.Status{provision.StatusCreated, provision.StatusFailed, provision.StatusCreated}
	got := statuses(report)
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcome %d = %s, want %s", i, got[i], want[i])
		}
	}

	if report.Created != 2 || report.Failed != 1 || report.Skipped != 0 {
		t.Errorf("counts = %d/%d/%d", report.Created, report.Skipped, report.Failed)
	}
	failures := report.Failures()
	if len(failures) != 1 || failures[0].ImageKey != "ubuntu-24.04" || failures[0].FailedStep != provision.StepDiskAttach {
		t.Errorf("failures = %+v", failures)
	}
	if report.OK() {
		t.Error("report with a failure must not be OK")
	}
}

func TestRun_CatalogOrder(t *testing.T) {
	hv := qmtest.New()
	runner := newTestRunner(t, hv, &fileFetcher{}, false)

	report, err := runner.Run(context.Background(), []string{"fedora-42", "debian-12"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(report.Outcomes) != 2 || report.Outcomes[0].ImageKey != "debian-12" || report.Outcomes[1].ImageKey != "fedora-42" {
		t.Errorf("unexpected order: %+v", report.Outcomes)
	}
}

func TestRun_SecondRunSkips(t *testing.T) {
	hv := qmtest.New()
	runner := newTestRunner(t, hv, &fileFetcher{}, false)

	if _, err := runner.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	report, err := runner.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 3 || report.Created != 0 {
		t.Errorf("second run counts = created %d skipped %d", report.Created, report.Skipped)
	}
	if !report.OK() {
		t.Error("all-skipped report should be OK")
	}
}

func TestRun_UnknownKeyRejected(t *testing.T) {
	hv := qmtest.New()
	runner := newTestRunner(t, hv, &fileFetcher{}, false)

	if _, err := runner.Run(context.Background(), []string{"debian-12", "windows-11"}); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if len(hv.Calls()) != 0 {
		t.Error("no image should be provisioned when selection is invalid")
	}
}

func TestRun_FailFast(t *testing.T) {
	hv := qmtest.New()
	hv.FailOn(qmtest.OpImport, 9000, nil)
	runner := newTestRunner(t, hv, &fileFetcher{}, true)

	report, err := runner.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Outcomes) != 1 || report.Failed != 1 {
		t.Errorf("outcomes = %+v", report.Outcomes)
	}
	if len(report.NotAttempted) != 2 {
		t.Errorf("not attempted = %v", report.NotAttempted)
	}
}

func TestRun_CancelStopsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hv := qmtest.New()
	fetches := 0
	fetcher := &fileFetcher{onFetch: func() {
		fetches++
		if fetches == 2 {
			cancel()
		}
	}}
	runner := newTestRunner(t, hv, fetcher, false)

	report, err := runner.Run(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !report.Cancelled {
		t.Error("report should be marked cancelled")
	}
	if len(report.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v", report.Outcomes)
	}
	if report.Outcomes[0].Status != provision.StatusCreated {
		t.Errorf("first outcome = %s", report.Outcomes[0].Status)
	}
	second := report.Outcomes[1]
	if second.Status != provision.StatusFailed || !second.Cancelled || second.FailedStep != provision.StepCreate {
		t.Errorf("second outcome = %+v", second)
	}
	if len(report.NotAttempted) != 1 || report.NotAttempted[0] != "fedora-42" {
		t.Errorf("not attempted = %v", report.NotAttempted)
	}
	if hv.VM(9002) != nil {
		t.Error("cancelled image must not leave a VM")
	}
}

func TestReport_Warnings(t *testing.T) {
	r := &Report{}
	r.add(provision.Outcome{ImageKey: "a", Status: provision.StatusCreated,
		Warnings: []provision.Warning{{Message: "residual_file: /tmp/a.img"}}})
	r.add(provision.Outcome{ImageKey: "b", Status: provision.StatusFailed,
		Warnings: []provision.Warning{{Message: "rollback_failed", Elevated: true}}})

	w := r.Warnings()
	if len(w) != 2 || w[0].ImageKey != "a" || !w[1].Elevated {
		t.Errorf("warnings = %+v", w)
	}
}

func TestSelectImages(t *testing.T) {
	c, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}

	tests := []struct {
		name    string
		keys    []string
		want    []string
		wantErr bool
	}{
		{"empty selects all", nil, []string{"debian-12", "ubuntu-24.04", "fedora-42"}, false},
		{"all keyword", []string{AllImages}, []string{"debian-12", "ubuntu-24.04", "fedora-42"}, false},
		{"all keyword among keys", []string{"fedora-42", AllImages}, []string{"debian-12", "ubuntu-24.04", "fedora-42"}, false},
		{"catalog order", []string{"fedora-42", "debian-12"}, []string{"debian-12", "fedora-42"}, false},
		{"unknown key", []string{"arch"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			images, err := SelectImages(c, tt.keys)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectImages() error = %v", err)
			}
			var got []string
			for _, img := range images {
				got = append(got, img.Key)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
