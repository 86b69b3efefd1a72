/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"

	"github.com/arpanrec/linode-stack/internal/retry"
	"github.com/arpanrec/linode-stack/internal/testing/fakevault"
	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/shared/events"
)

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newStore(t *testing.T, retention int) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "snapshots"), retention)
	if err != nil {
		t.Fatal(err)
	}
	store.now = steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return store
}

func TestExpired(t *testing.T) {
	tests := []struct {
		names     []string
		retention int
		want      []string
	}{
		{names: []string{"a", "b", "c"}, retention: 5},
		{names: []string{"a", "b", "c"}, retention: 3},
		{names: []string{"a", "b", "c", "d"}, retention: 2, want: []string{"a", "b"}},
		{names: []string{"a"}, retention: 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-of-%d", tt.retention, len(tt.names)), func(t *testing.T) {
			if got := Expired(tt.names, tt.retention); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLocalStoreRetention(t *testing.T) {
	store := newStore(t, 2)

	var saved []string
	for i := 0; i < 4; i++ {
		snap, err := store.Save("run", func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "snapshot %d", i)
			return err
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		saved = append(saved, snap.Name)
		if _, err := store.Prune(); err != nil {
			t.Fatalf("Prune() error = %v", err)
		}
	}

	names, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, saved[2:]) {
		t.Errorf("kept %v, want newest %v", names, saved[2:])
	}
}

func TestLocalStoreFailedWriteLeavesNothing(t *testing.T) {
	store := newStore(t, 2)

	_, err := store.Save("run", func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return errors.New("stream broke")
	})
	if err == nil {
		t.Fatal("Save() should fail")
	}
	_, err = store.Save("run", func(io.Writer) error { return nil })
	if err == nil {
		t.Fatal("Save() of an empty stream should fail")
	}

	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("directory not empty after failed saves: %v", entries)
	}
}

type fakeOffsite struct {
	uploads []string
	err     error
}

func (f *fakeOffsite) Upload(_ context.Context, snap *Snapshot) error {
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, snap.Name)
	return nil
}

func readyClient(t *testing.T) (*fakevault.Cluster, *vault.Client) {
	t.Helper()
	cluster := fakevault.NewCluster(fakevault.Options{}, "vault-0")
	t.Cleanup(cluster.Close)
	c, err := vault.NewClient(vault.ClientConfig{NodeID: "vault-0", Address: cluster.Node("vault-0").URL(), Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	resp, err := c.Initialize(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Unseal(ctx, resp.Keys[0]); err != nil {
		t.Fatal(err)
	}
	c.SwapToken(resp.RootToken)
	return cluster, c
}

func fastRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.CallTimeout = 5 * time.Second
	return cfg
}

func TestManagerTake(t *testing.T) {
	cluster, client := readyClient(t)
	store := newStore(t, 3)
	offsite := &fakeOffsite{}
	bus := events.NewEventBus(logr.Discard())
	var taken []events.SnapshotTaken
	events.Subscribe(bus, func(_ context.Context, e events.SnapshotTaken) error {
		taken = append(taken, e)
		return nil
	})

	m := NewManager(Config{Retry: fastRetry(), RunID: "0123456789abcdef"}, store, offsite, logr.Discard(), bus)
	snap, err := m.Take(context.Background(), client)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}

	if cluster.SnapshotCalls() != 1 {
		t.Errorf("snapshot calls = %d, want 1", cluster.SnapshotCalls())
	}
	if !strings.Contains(snap.Name, "01234567") || !snap.Offsite || snap.Size == 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	info, err := os.Stat(snap.Path)
	if err != nil || info.Size() != snap.Size {
		t.Errorf("stat = %v, %v", info, err)
	}
	if len(offsite.uploads) != 1 || len(taken) != 1 || !taken[0].Offsite {
		t.Errorf("uploads = %v, events = %+v", offsite.uploads, taken)
	}
}

func TestManagerTakeRetriesAndKeepsLocalOnOffsiteFailure(t *testing.T) {
	cluster, client := readyClient(t)
	cluster.Node("vault-0").InjectFault("sys/storage/raft/snapshot", http.StatusServiceUnavailable, 1)
	store := newStore(t, 3)

	m := NewManager(Config{Retry: fastRetry()}, store, &fakeOffsite{err: errors.New("bucket gone")}, logr.Discard(), nil)
	snap, err := m.Take(context.Background(), client)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if snap.Offsite {
		t.Error("Offsite set although upload failed")
	}

	names, _ := store.List()
	if len(names) != 1 {
		t.Errorf("stored %v, want exactly one snapshot", names)
	}
}

// slowSource streams after delay, or gives up when its context ends first
type slowSource struct {
	delay time.Duration
}

func (s slowSource) NodeID() string { return "vault-0" }

func (s slowSource) Snapshot(ctx context.Context, w io.Writer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
	}
	_, err := w.Write([]byte("raft state"))
	return err
}

func TestManagerTakeOutlivesCallTimeout(t *testing.T) {
	rc := fastRetry()
	rc.CallTimeout = 20 * time.Millisecond
	rc.MaxRetries = 0

	slow := slowSource{delay: 200 * time.Millisecond}

	m := NewManager(Config{Retry: rc, Timeout: 5 * time.Second}, newStore(t, 3), nil, logr.Discard(), nil)
	if _, err := m.Take(context.Background(), slow); err != nil {
		t.Fatalf("Take() error = %v", err)
	}

	m = NewManager(Config{Retry: rc, Timeout: 50 * time.Millisecond}, newStore(t, 3), nil, logr.Discard(), nil)
	if _, err := m.Take(context.Background(), slow); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Take() error = %v, want deadline exceeded", err)
	}
}

func TestConfigTransfer(t *testing.T) {
	rc := fastRetry()
	if got := (Config{Retry: rc}).transfer().CallTimeout; got != DefaultTimeout {
		t.Errorf("CallTimeout = %v, want %v", got, DefaultTimeout)
	}
	got := (Config{Retry: rc, Timeout: time.Hour}).transfer()
	if got.CallTimeout != time.Hour || got.MaxRetries != rc.MaxRetries {
		t.Errorf("transfer() = %+v", got)
	}
}

// objectServer is an in-memory path-style S3 endpoint
type objectServer struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var keys []string
		for k := range s.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>backups</Name>`)
		fmt.Fprintf(&b, "<KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>", len(keys))
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(s.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(b.String()))
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		s.objects[key] = data
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		delete(s.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *objectServer) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestS3StoreUploadAndPrune(t *testing.T) {
	backend := &objectServer{objects: map[string][]byte{"cluster/notes.txt": []byte("keep")}}
	server := httptest.NewServer(backend)
	defer server.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(server.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test-key", "test-secret", ""),
		HTTPClient:   &http.Client{Transport: &http.Transport{}},
	})
	remote := newS3Store(client, S3Config{Bucket: "backups", Prefix: "/cluster/", Retention: 2})
	local := newStore(t, 10)

	var uploaded []string
	for i := 0; i < 3; i++ {
		snap, err := local.Save("run", func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "data-%d", i)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := remote.Upload(context.Background(), snap); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		uploaded = append(uploaded, "cluster/"+snap.Name)
	}

	want := append([]string{"cluster/notes.txt"}, uploaded[1:]...)
	sort.Strings(want)
	if got := backend.keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("bucket keys = %v, want %v", got, want)
	}
}

func TestS3ConfigEnabled(t *testing.T) {
	if (S3Config{}).Enabled() {
		t.Error("empty config reported enabled")
	}
	if _, err := NewS3Store(context.Background(), S3Config{}); err == nil {
		t.Error("NewS3Store() without bucket should fail")
	}
}
