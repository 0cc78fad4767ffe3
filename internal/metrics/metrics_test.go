package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベルに一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	return nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordRequest_SeparatesOutcome は成功と失敗が別ラベルで数えられることを検証する。
func TestRecordRequest_SeparatesOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequest("public_feed", true)
	c.RecordRequest("public_feed", true)
	c.RecordRequest("public_feed", false)

	ok := findMetric(t, reg, "storyflow_api_requests_total", map[string]string{"operation": "public_feed", "outcome": "success"})
	if ok == nil || ok.GetCounter().GetValue() != 2 {
		t.Errorf("success counter = %v, want 2", ok.GetCounter().GetValue())
	}
	fail := findMetric(t, reg, "storyflow_api_requests_total", map[string]string{"operation": "public_feed", "outcome": "failure"})
	if fail == nil || fail.GetCounter().GetValue() != 1 {
		t.Errorf("failure counter = %v, want 1", fail.GetCounter().GetValue())
	}
}

// TestRecordHTTPStatus_LabelsByCode はステータスコード別に記録されることを検証する。
func TestRecordHTTPStatus_LabelsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(503)
	c.RecordHTTPStatus(503)

	m := findMetric(t, reg, "storyflow_http_status_total", map[string]string{"status_code": "503"})
	if m == nil {
		t.Fatal("storyflow_http_status_total{status_code=503} not found")
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("status 503 = %v, want 2", got)
	}
}

// TestRecordRetry_IncrementsCounter はリトライカウンタが増加することを検証する。
func TestRecordRetry_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRetry("author_posts")

	m := findMetric(t, reg, "storyflow_api_retries_total", map[string]string{"operation": "author_posts"})
	if m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("expected storyflow_api_retries_total{operation=author_posts} = 1")
	}
}

// TestRecordLatency_ObservesHistogram はヒストグラムに観測値が入ることを検証する。
func TestRecordLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLatency("create_post", 150*time.Millisecond)

	m := findMetric(t, reg, "storyflow_api_latency_seconds", map[string]string{"operation": "create_post"})
	if m == nil {
		t.Fatal("storyflow_api_latency_seconds not found")
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
	if got := m.GetHistogram().GetSampleSum(); got < 0.14 || got > 0.16 {
		t.Errorf("sample sum = %v, want ~0.15", got)
	}
}

// TestRecordCacheLookup_AndMutation はキャッシュとミューテーションの記録を検証する。
func TestRecordCacheLookup_AndMutation(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCacheLookup(CacheHit)
	c.RecordCacheLookup(CacheCorrupt)
	c.RecordMutation("update", "rolled_back")

	if m := findMetric(t, reg, "storyflow_cache_lookups_total", map[string]string{"result": CacheCorrupt}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("expected storyflow_cache_lookups_total{result=corrupt} = 1")
	}
	if m := findMetric(t, reg, "storyflow_mutations_total", map[string]string{"kind": "update", "outcome": "rolled_back"}); m == nil || m.GetCounter().GetValue() != 1 {
		t.Error("expected storyflow_mutations_total{kind=update,outcome=rolled_back} = 1")
	}
}

// TestNop_SatisfiesRecorder はNopがRecorderとして使えることを検証する。
func TestNop_SatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordRequest("x", true)
	r.RecordHTTPStatus(200)
	r.RecordRetry("x")
	r.RecordLatency("x", time.Second)
	r.RecordCacheLookup(CacheMiss)
	r.RecordMutation("delete", "committed")
}
