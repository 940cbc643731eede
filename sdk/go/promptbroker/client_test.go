package promptbroker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evalforge/promptbroker/internal/layout"
	"github.com/evalforge/promptbroker/internal/request"
)

func newTestClient(t *testing.T, opts ...Option) (*Client, layout.Layout) {
	t.Helper()
	base := t.TempDir()
	all := append([]Option{WithBaseDir(base), WithPollInterval(10 * time.Millisecond)}, opts...)
	c, err := New(all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, layout.New(base)
}

// writeResponseAfter simulates the broker resolving a request by writing a
// response file shortly after Submit starts waiting.
func writeResponseAfter(t *testing.T, lay layout.Layout, id string, resp Response, delay time.Duration) {
	t.Helper()
	go func() {
		time.Sleep(delay)
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			t.Error(err)
			return
		}
		path := filepath.Join(lay.Responses(), request.ResponseFilename(id))
		if err := layout.WriteAtomic(path, data, 0600); err != nil {
			t.Error(err)
		}
	}()
}

func TestSubmitWritesRequestFile(t *testing.T) {
	c, lay := newTestClient(t, WithTimeout(200*time.Millisecond))

	req := Request{RequestID: "req_1", Command: CommandPing}
	writeResponseAfter(t, lay, "req_1", Response{RequestID: "req_1", FinalStatus: "success"}, 20*time.Millisecond)

	resp, err := c.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.FinalStatus != "success" {
		t.Errorf("expected success, got %s", resp.FinalStatus)
	}
}

func TestSubmitAssignsIDAndTimestampWhenAbsent(t *testing.T) {
	c, lay := newTestClient(t, WithTimeout(200*time.Millisecond))

	req := Request{Command: CommandPing}

	go func() {
		for i := 0; i < 50; i++ {
			entries, _ := os.ReadDir(lay.Requests())
			for _, e := range entries {
				data, err := os.ReadFile(filepath.Join(lay.Requests(), e.Name()))
				if err != nil {
					continue
				}
				var r Request
				if json.Unmarshal(data, &r) == nil && r.RequestID != "" {
					resp := Response{RequestID: r.RequestID, FinalStatus: "success"}
					respData, _ := json.MarshalIndent(resp, "", "  ")
					_ = layout.WriteAtomic(filepath.Join(lay.Responses(), r.RequestID+".json"), respData, 0600)
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp, err := c.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.RequestID == "" {
		t.Error("expected assigned request_id in response")
	}
}

func TestSubmitReturnsFailedResponseWithError(t *testing.T) {
	c, lay := newTestClient(t, WithTimeout(200*time.Millisecond))

	req := Request{RequestID: "req_2", Command: CommandPing}

	go func() {
		time.Sleep(20 * time.Millisecond)
		fr := FailedResponse{
			Response:      Response{RequestID: "req_2", FinalStatus: "failed"},
			FailureReason: "max retries exceeded",
			FailedAt:      time.Now().UTC(),
		}
		data, _ := json.MarshalIndent(fr, "", "  ")
		_ = layout.WriteAtomic(filepath.Join(lay.Failed(), request.ResponseFilename("req_2")), data, 0600)
	}()

	resp, err := c.Submit(context.Background(), req)
	if err == nil {
		t.Fatal("expected non-nil error for a failed/ arrival")
	}
	if resp.FinalStatus != "failed" {
		t.Errorf("expected failed status, got %s", resp.FinalStatus)
	}
}

func TestSubmitTimesOutWhenNoResponseArrives(t *testing.T) {
	c, _ := newTestClient(t, WithTimeout(30*time.Millisecond))

	req := Request{RequestID: "req_3", Command: CommandPing}
	_, err := c.Submit(context.Background(), req)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestSubmitWithWatchOption(t *testing.T) {
	c, lay := newTestClient(t, WithTimeout(500*time.Millisecond), WithWatch())

	req := Request{RequestID: "req_4", Command: CommandPing}
	writeResponseAfter(t, lay, "req_4", Response{RequestID: "req_4", FinalStatus: "success"}, 20*time.Millisecond)

	resp, err := c.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.FinalStatus != "success" {
		t.Errorf("expected success, got %s", resp.FinalStatus)
	}
}
