package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 延迟直方图的桶边界，单位为秒。
var latencyBounds = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type requestKey struct {
	handler string
	method  string
	code    string
}

type handlerKey struct {
	handler string
	method  string
}

type jobKey struct {
	jobType string
	outcome string
}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogram() *histogram {
	return &histogram{counts: make([]uint64, len(latencyBounds))}
}

// observe 记录一次观测值。桶是累积的，超出最后一个边界的值只进 +Inf。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range latencyBounds {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// collector 以进程级单例聚合 HTTP 与后台作业指标。
type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[handlerKey]uint64
	latency  map[handlerKey]*histogram
	jobs     map[jobKey]uint64
}

var defaultCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[handlerKey]uint64),
	latency:  make(map[handlerKey]*histogram),
	jobs:     make(map[jobKey]uint64),
}

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observe(handler, method, status, duration)
}

// ObserveJob 记录一次后台作业的处理结果。
// outcome 取值为 succeeded、retried、failed、degraded 之一。
func ObserveJob(jobType, outcome string) {
	defaultCollector.mu.Lock()
	defaultCollector.jobs[jobKey{jobType: jobType, outcome: outcome}]++
	defaultCollector.mu.Unlock()
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := handlerKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式输出全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	writeHeader(&b, "revenue_http_requests_total", "counter",
		"Total number of HTTP requests processed.")
	for _, key := range sortedRequestKeys(c.requests) {
		fmt.Fprintf(&b, "revenue_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key])
	}

	writeHeader(&b, "revenue_http_request_errors_total", "counter",
		"Total number of HTTP requests that resulted in a server error.")
	for _, key := range sortedHandlerKeys(c.errors) {
		fmt.Fprintf(&b, "revenue_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), c.errors[key])
	}

	writeHeader(&b, "revenue_http_request_duration_seconds", "histogram",
		"HTTP request duration in seconds.")
	latKeys := make([]handlerKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].handler != latKeys[j].handler {
			return latKeys[i].handler < latKeys[j].handler
		}
		return latKeys[i].method < latKeys[j].method
	})
	for _, key := range latKeys {
		hist := c.latency[key]
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key.handler), escape(key.method))
		for idx, bound := range latencyBounds {
			fmt.Fprintf(&b, "revenue_http_request_duration_seconds_bucket{%s,le=\"%s\"} %d\n",
				labels, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&b, "revenue_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, hist.count)
		fmt.Fprintf(&b, "revenue_http_request_duration_seconds_sum{%s} %s\n", labels, formatFloat(hist.sum))
		fmt.Fprintf(&b, "revenue_http_request_duration_seconds_count{%s} %d\n", labels, hist.count)
	}

	writeHeader(&b, "revenue_jobs_processed_total", "counter",
		"Total number of background jobs processed by outcome.")
	jobKeys := make([]jobKey, 0, len(c.jobs))
	for key := range c.jobs {
		jobKeys = append(jobKeys, key)
	}
	sort.Slice(jobKeys, func(i, j int) bool {
		if jobKeys[i].jobType != jobKeys[j].jobType {
			return jobKeys[i].jobType < jobKeys[j].jobType
		}
		return jobKeys[i].outcome < jobKeys[j].outcome
	})
	for _, key := range jobKeys {
		fmt.Fprintf(&b, "revenue_jobs_processed_total{type=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.jobType), escape(key.outcome), c.jobs[key])
	}

	return b.String()
}

func writeHeader(b *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, metricType)
}

func sortedRequestKeys(m map[requestKey]uint64) []requestKey {
	keys := make([]requestKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].code < keys[j].code
	})
	return keys
}

func sortedHandlerKeys(m map[handlerKey]uint64) []handlerKey {
	keys := make([]handlerKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer 启动独立的指标服务，阻塞到上下文取消。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
