package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/statecast/internal/checkpoint"
	"github.com/agentworkforce/statecast/internal/replica"
)

type fakeReplica struct {
	mu      sync.Mutex
	view    replica.View
	reasons []string
	refuse  bool
}

func (f *fakeReplica) View() replica.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeReplica) Resync(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.reasons = append(f.reasons, reason)
	return true
}

func (f *fakeReplica) set(view replica.View) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = view
}

func newViewerFixture(t *testing.T) (*fakeReplica, *ViewerServer) {
	t.Helper()
	fake := &fakeReplica{view: replica.View{
		Index:     7,
		Version:   1,
		SyncState: replica.Synced,
		State:     map[string]any{"score": []any{float64(3), float64(1)}, "title": "final"},
		UpdatedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}}
	server, err := NewViewerServer(fake, ViewerConfig{ValueCacheSize: 8, Connected: func() bool { return true }})
	if err != nil {
		t.Fatalf("new viewer server: %v", err)
	}
	return fake, server
}

func TestViewerReplicaEndpoint(t *testing.T) {
	_, server := newViewerFixture(t)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/replica"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode replica: %v", err)
	}
	if body["index"] != float64(7) || body["syncState"] != "synced" {
		t.Fatalf("unexpected replica body %+v", body)
	}
}

func TestViewerValueEndpoint(t *testing.T) {
	fake, server := newViewerFixture(t)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/replica/value?path=score/0"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != "3\n" {
		t.Fatalf("expected rendered value 3, got %q", resp.Body.String())
	}
	if resp.Header().Get("X-Replica-Index") != "7" {
		t.Fatalf("expected index header 7, got %q", resp.Header().Get("X-Replica-Index"))
	}

	missing := doRequest(t, server, request{method: http.MethodGet, path: "/v1/replica/value?path=score/9"})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing path, got %d", missing.Code)
	}

	root := doRequest(t, server, request{method: http.MethodGet, path: "/v1/replica/value"})
	if root.Code != http.StatusOK || !strings.Contains(root.Body.String(), `"title":"final"`) {
		t.Fatalf("expected root document, got %d %s", root.Code, root.Body.String())
	}

	fake.set(replica.View{
		Index:     8,
		Version:   2,
		SyncState: replica.Synced,
		State:     map[string]any{"score": []any{float64(4), float64(1)}},
	})
	updated := doRequest(t, server, request{method: http.MethodGet, path: "/v1/replica/value?path=/score/0/"})
	if updated.Body.String() != "4\n" {
		t.Fatalf("expected refreshed value 4, got %q", updated.Body.String())
	}
}

type controllerReplica struct {
	*replica.Controller
}

func (c controllerReplica) Resync(reason string) bool {
	c.RequestResync(reason)
	return true
}

func TestViewerValueFollowsContentAtSameIndex(t *testing.T) {
	ctrl := replica.NewController(replica.Options{})
	server, err := NewViewerServer(controllerReplica{ctrl}, ViewerConfig{ValueCacheSize: 8})
	if err != nil {
		t.Fatalf("new viewer server: %v", err)
	}
	get := func() string {
		t.Helper()
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/replica/value?path=score/0"})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
		}
		return resp.Body.String()
	}

	ctrl.OnSnapshot(3, map[string]any{"score": []any{float64(0), float64(0)}})
	if got := get(); got != "0\n" {
		t.Fatalf("expected 0, got %q", got)
	}

	ctrl.OnSnapshot(3, map[string]any{"score": []any{float64(7), float64(0)}})
	if got := get(); got != "7\n" {
		t.Fatalf("expected value from the second snapshot at index 3, got %q", got)
	}

	if err := ctrl.OnDelta(3, []replica.Operation{{Path: []any{"score", float64(0)}, Op: replica.OpSet, Value: float64(9)}}); err != nil {
		t.Fatalf("buffer delta: %v", err)
	}
	if result := ctrl.Drain(); result.Err != nil || result.Index != 3 {
		t.Fatalf("unexpected drain result %+v", result)
	}
	if got := get(); got != "9\n" {
		t.Fatalf("expected value from the delta at index 3, got %q", got)
	}
}

func TestViewerStatusEndpoint(t *testing.T) {
	fake, server := newViewerFixture(t)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	digest, err := checkpoint.Digest(fake.View().State)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if status.LastApplied != 7 || status.Digest != checkpoint.FormatDigest(digest) {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Connected == nil || !*status.Connected {
		t.Fatalf("expected connected=true, got %+v", status.Connected)
	}
}

func TestViewerResyncEndpoint(t *testing.T) {
	fake, server := newViewerFixture(t)

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/resync"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	withReason := doRequest(t, server, request{method: http.MethodPost, path: "/v1/resync?reason=operator"})
	if withReason.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", withReason.Code)
	}
	fake.mu.Lock()
	reasons := append([]string(nil), fake.reasons...)
	fake.refuse = true
	fake.mu.Unlock()
	if len(reasons) != 2 || reasons[0] != replica.ReasonManual || reasons[1] != "operator" {
		t.Fatalf("unexpected resync reasons %v", reasons)
	}

	busy := doRequest(t, server, request{method: http.MethodPost, path: "/v1/resync"})
	if busy.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when inbox is full, got %d", busy.Code)
	}
}

func TestViewerDashboardAndRoutes(t *testing.T) {
	_, server := newViewerFixture(t)

	page := doRequest(t, server, request{method: http.MethodGet, path: "/"})
	if page.Code != http.StatusOK || !strings.Contains(page.Body.String(), "statecast replica") {
		t.Fatalf("expected dashboard page, got %d", page.Code)
	}
	if got := page.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Fatalf("expected html content type, got %q", got)
	}
	wrongMethod := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/replica"})
	if wrongMethod.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unsupported method, got %d", wrongMethod.Code)
	}
}
