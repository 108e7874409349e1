package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratlab/internal/cache"
	"stratlab/internal/database"
	"stratlab/internal/logger"
	"stratlab/internal/market"
	"stratlab/internal/types"
)

// TestConfig 测试配置
type TestConfig struct {
	UseDB    bool // sqlite file in the temp dir, migrated
	LogLevel logger.LogLevel
}

// DefaultTestConfig 默认测试配置
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		LogLevel: logger.LevelError, // 测试时减少日志输出
	}
}

// TestSuite 测试套件
type TestSuite struct {
	T       *testing.T
	Config  *TestConfig
	DB      *database.DB
	Cache   *cache.MemoryCache
	Logger  logger.Logger
	TempDir string
}

// NewTestSuite creates a suite whose resources are released by t.Cleanup
func NewTestSuite(t *testing.T, config *TestConfig) *TestSuite {
	t.Helper()
	if config == nil {
		config = DefaultTestConfig()
	}

	s := &TestSuite{
		T:       t,
		Config:  config,
		Logger:  logger.NewWithWriter(logger.Config{Level: config.LogLevel, Format: logger.FormatText}, io.Discard),
		TempDir: t.TempDir(),
		Cache:   cache.NewMemoryCache(1000),
	}
	t.Cleanup(func() { s.Cache.Close() })

	if config.UseDB {
		s.setupDB()
	}
	return s
}

func (s *TestSuite) setupDB() {
	db, err := database.NewConnection(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(s.TempDir, "test.db"),
	}, s.Logger)
	require.NoError(s.T, err)
	s.T.Cleanup(func() { db.Close() })

	m, err := database.NewMigrator(db)
	require.NoError(s.T, err)
	defer m.Close()
	require.NoError(s.T, m.Up())

	s.DB = db
}

// CreateTempFile 创建临时文件
func (s *TestSuite) CreateTempFile(name, content string) string {
	filePath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(s.T, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

// CreateTempDir 创建临时目录
func (s *TestSuite) CreateTempDir(name string) string {
	dirPath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(dirPath, 0755))
	return dirPath
}

// Bar fixtures

// Origin is the first bar timestamp of every fixture
var Origin = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// LinearBars returns n bars whose close moves by step per bar from start
func LinearBars(timeframe types.Timeframe, n int, start, step float64) []types.Bar {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start + step*float64(i)
	}
	return CloseBars(timeframe, closes...)
}

// CloseBars builds bars from closes; open is the previous close
func CloseBars(timeframe types.Timeframe, closes ...float64) []types.Bar {
	interval := timeframe.Duration()
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		bars[i] = types.Bar{
			Timestamp: Origin.Add(time.Duration(i) * interval),
			Open:      open,
			High:      max(open, c),
			Low:       min(open, c),
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

// FetchCall is one recorded provider request
type FetchCall struct {
	Symbol     string
	Timeframe  types.Timeframe
	Start, End time.Time
}

// RecordingProvider records fetches and delegates to an upstream provider
type RecordingProvider struct {
	Upstream market.Provider
	Err      error // returned instead of delegating when set

	mu    sync.Mutex
	calls []FetchCall
}

// NewRecordingProvider serves bars for symbol at timeframe
func NewRecordingProvider(symbol string, timeframe types.Timeframe, bars []types.Bar) *RecordingProvider {
	p := market.NewStaticProvider()
	p.Add(symbol, timeframe, bars)
	return &RecordingProvider{Upstream: p}
}

// Fetch records the call
func (p *RecordingProvider) Fetch(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	p.mu.Lock()
	p.calls = append(p.calls, FetchCall{Symbol: symbol, Timeframe: timeframe, Start: start, End: end})
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	return p.Upstream.Fetch(ctx, symbol, timeframe, start, end)
}

// Calls returns the recorded requests
func (p *RecordingProvider) Calls() []FetchCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FetchCall(nil), p.calls...)
}

// HTTPTestHelper HTTP测试助手
type HTTPTestHelper struct {
	Handler http.Handler
	T       *testing.T
}

// NewHTTPTestHelper wraps a handler, usually a gin engine
func NewHTTPTestHelper(t *testing.T, handler http.Handler) *HTTPTestHelper {
	gin.SetMode(gin.TestMode)
	return &HTTPTestHelper{Handler: handler, T: t}
}

// GET 发送GET请求
func (h *HTTPTestHelper) GET(path string) *HTTPResponse {
	return h.Request(http.MethodGet, path, nil, nil)
}

// POST 发送POST请求
func (h *HTTPTestHelper) POST(path string, body interface{}) *HTTPResponse {
	return h.Request(http.MethodPost, path, body, nil)
}

// Request sends body as JSON. A []byte body is sent as is.
func (h *HTTPTestHelper) Request(method, path string, body interface{}, headers map[string]string) *HTTPResponse {
	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		bodyReader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		require.NoError(h.T, err)
		bodyReader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	h.Handler.ServeHTTP(w, req)

	return &HTTPResponse{
		StatusCode: w.Code,
		Body:       w.Body.Bytes(),
		Headers:    w.Header(),
		t:          h.T,
	}
}

// HTTPResponse HTTP响应
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

// AssertStatus 断言状态码
func (r *HTTPResponse) AssertStatus(expectedStatus int) *HTTPResponse {
	assert.Equal(r.t, expectedStatus, r.StatusCode, string(r.Body))
	return r
}

// AssertContains 断言响应包含指定内容
func (r *HTTPResponse) AssertContains(substring string) *HTTPResponse {
	assert.Contains(r.t, string(r.Body), substring)
	return r
}

// DecodeJSON decodes the body into target, failing the test on error
func (r *HTTPResponse) DecodeJSON(target interface{}) {
	require.NoError(r.t, json.Unmarshal(r.Body, target), string(r.Body))
}

// Eventually 等待条件满足
func Eventually(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for condition: %s", message)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
