package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/workspace"
)

const hidden = 4

func identityParams() attention.Params[float32] {
	w := make([]float32, hidden*hidden)
	for i := 0; i < hidden; i++ {
		w[i*hidden+i] = 1
	}
	zero := make([]float32, hidden)
	proj := attention.Projection[float32]{Weight: w, Bias: zero}
	return attention.Params[float32]{
		Query: proj, Key: proj, Value: proj, Output: proj,
		NormScale: []float32{1, 1, 1, 1}, NormShift: zero,
	}
}

func newTestServer(t *testing.T) (*echo.Echo, *attention.Layer[float32], *device.Pool) {
	t.Helper()
	layer, err := attention.NewLayer(attention.Config{Hidden: hidden, HeadNum: 2, HeadDim: 2}, identityParams())
	require.NoError(t, err)
	pool, err := device.NewPool(2, device.HandleOptions{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	e := echo.New()
	NewServer(layer, pool, nil).Register(e)
	return e, layer, pool
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestForward(t *testing.T) {
	t.Parallel()
	e, layer, pool := newTestServer(t)

	query := []float32{1, 2, 3, 4, 4, 3, 2, 1}
	rec := doJSON(t, e, http.MethodPost, "/v1/attention/forward",
		`{"batch":1,"seq_q":2,"query":[1,2,3,4,4,3,2,1],"mask":[0,0,0,-10000]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ForwardResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "inv-"), resp.ID)
	assert.Equal(t, []int{1, 2, hidden}, resp.Shape)
	assert.Len(t, resp.Output, len(query))

	d := attention.Dims{Batch: 1, SeqQ: 2, SeqKV: 2}
	size, err := layer.WorkspaceSize(d)
	require.NoError(t, err)
	assert.Equal(t, size, resp.WorkspaceBytes)

	h, err := pool.Get(context.Background())
	require.NoError(t, err)
	defer pool.Put(h)
	want := make([]float32, len(query))
	require.NoError(t, attention.Run(context.Background(), layer, attention.Args[float32]{
		Dims: d, Query: query, Mask: []float32{0, 0, 0, -1e4}, Output: want, Workspace: workspace.Alloc(size),
	}, h))
	assert.InDeltaSlice(t, want, resp.Output, 1e-6)
}

func TestCancelledForwardDrainsHandle(t *testing.T) {
	t.Parallel()
	layer, err := attention.NewLayer(attention.Config{Hidden: hidden, HeadNum: 2, HeadDim: 2}, identityParams())
	require.NoError(t, err)
	pool, err := device.NewPool(1, device.HandleOptions{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	var once sync.Once
	srv := NewServer(layer, pool, nil)
	// The clock is read right before the invocation is enqueued; cancel
	// there so the wait for the stream is the part that gets abandoned.
	srv.clock = func() time.Time {
		once.Do(func() {
			cancel()
			close(started)
		})
		return time.Now()
	}
	e := echo.New()
	srv.Register(e)

	// Park a failing operation on the only stream.
	h, err := pool.Get(context.Background())
	require.NoError(t, err)
	gate := make(chan struct{})
	require.NoError(t, h.Enqueue("gate", func() error {
		<-gate
		return errors.New("earlier work failed")
	}))
	pool.Put(h)

	body := `{"batch":1,"seq_q":1,"query":[1,2,3,4]}`
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/attention/forward", strings.NewReader(body)).WithContext(ctx)
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		done <- rec
	}()
	<-started
	time.Sleep(20 * time.Millisecond)
	close(gate)
	rec := <-done
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	// The next caller gets the handle back clean.
	rec = doJSON(t, e, http.MethodPost, "/v1/attention/forward", body)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestForwardErrors(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"batch":`},
		{"no query", `{"batch":1,"seq_q":1}`},
		{"hidden mismatch", `{"batch":1,"seq_q":2,"query":[1,2,3,4,5,6]}`},
		{"self with other seq_kv", `{"batch":1,"seq_q":1,"seq_kv":2,"query":[1,2,3,4]}`},
		{"mask shape", `{"batch":1,"seq_q":1,"query":[1,2,3,4],"mask":[0,0]}`},
		{"zero batch", `{"batch":0,"seq_q":1,"query":[1,2,3,4]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/attention/forward", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var body struct {
				Error ResponseError `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "invalid_request_error", body.Error.Type)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestWorkspace(t *testing.T) {
	t.Parallel()
	e, layer, _ := newTestServer(t)

	rec := doJSON(t, e, http.MethodGet, "/v1/attention/workspace?batch=2&seq_q=3", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp WorkspaceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	size, err := layer.WorkspaceSize(attention.Dims{Batch: 2, SeqQ: 3, SeqKV: 3})
	require.NoError(t, err)
	assert.Equal(t, size, resp.Bytes)
	assert.Equal(t, 3, resp.SeqKV)
	require.NotEmpty(t, resp.Regions)
	last := resp.Regions[len(resp.Regions)-1]
	assert.LessOrEqual(t, last.Offset+last.Bytes, resp.Bytes)

	rec = doJSON(t, e, http.MethodGet, "/v1/attention/workspace?batch=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, e, http.MethodGet, "/v1/attention/workspace?batch=0&seq_q=1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLayerDescriptor(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestServer(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/attention/layer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LayerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, LayerResponse{
		Hidden:  hidden,
		HeadNum: 2,
		HeadDim: 2,
		Mode:    "float",
		DType:   "F32",
		Epsilon: attention.DefaultEpsilon,
	}, resp)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	status, typ := classify(device.ErrResource)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "server_error", typ)
	status, _ = classify(context.Canceled)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	status, _ = classify(workspace.ErrTooSmall)
	assert.Equal(t, http.StatusBadRequest, status)
}
