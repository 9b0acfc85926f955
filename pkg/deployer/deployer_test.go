package deployer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func params() Params {
	return Params{
		Routers: []RouterSpec{
			{Key: 2, Layer: 1},
			{Key: 1, Layer: 0, CellID: 200, Provisioned: true},
		},
		Image:          "ccnx-router",
		Flavor:         "m1.small",
		Network:        "private",
		MaaSEndpoint:   "10.0.0.5",
		MobaaSEndpoint: "10.0.0.6",
		Provisioning:   true,
	}
}

func TestRenderTemplate(t *testing.T) {
	b, err := Render(params())
	require.NoError(t, err)

	tpl, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, "2013-05-23", tpl.Version)
	assert.Equal(t, []string{OutputManagerEndpoint, "mcn.ccnx.router1", "mcn.ccnx.router2"}, tpl.OutputKeys())
	require.Contains(t, tpl.Resources, "ccnx_router1")

	meta := tpl.Resources["ccnx_router1"].Properties["metadata"].(map[string]any)
	assert.Equal(t, 200, meta["cell_id"])
	assert.Equal(t, false, meta["provision"], "already provisioned routers are not reprovisioned")
	meta = tpl.Resources["ccnx_router2"].Properties["metadata"].(map[string]any)
	assert.Equal(t, true, meta["provision"])
}

func TestRenderDuplicateKey(t *testing.T) {
	p := params()
	p.Routers = append(p.Routers, RouterSpec{Key: 1})
	_, err := Render(p)
	assert.Error(t, err)
}

func TestRouterKeyFromOutput(t *testing.T) {
	n, ok := RouterKeyFromOutput("mcn.ccnx.router12")
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	_, ok = RouterKeyFromOutput(OutputManagerEndpoint)
	assert.False(t, ok)
	_, ok = RouterKeyFromOutput("mcn.ccnx.routerX")
	assert.False(t, ok)
}

func TestMemorySettles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1)
	b, err := Render(params())
	require.NoError(t, err)

	id, err := m.Deploy(ctx, b, "icnaas_1234")
	require.NoError(t, err)

	d, err := m.Details(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCreateInProgress, d.State)
	assert.Empty(t, d.Outputs)

	d, err = m.Details(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Complete())
	require.Len(t, d.Outputs, 3)
	first := map[string]string{}
	for _, o := range d.Outputs {
		first[o.Key] = o.Value
	}

	p := params()
	p.Routers = p.Routers[1:]
	b, err = Render(p)
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, id, b))
	_, _ = m.Details(ctx, id)
	d, err = m.Details(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateUpdateComplete, d.State)
	require.Len(t, d.Outputs, 2)
	for _, o := range d.Outputs {
		assert.Equal(t, first[o.Key], o.Value, "addresses are stable across updates")
	}
	assert.Equal(t, 1, m.Updates(id))

	require.NoError(t, m.Dispose(ctx, id))
	_, err = m.Details(ctx, id)
	assert.ErrorIs(t, err, ErrStackNotFound)
}

func TestMemoryFail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	b, err := Render(params())
	require.NoError(t, err)
	id, err := m.Deploy(ctx, b, "icnaas_1")
	require.NoError(t, err)

	m.Fail(id)
	require.NoError(t, m.Update(ctx, id, b))
	d, err := m.Details(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Failed())
	assert.Equal(t, StateUpdateFailed, d.State)
}

func TestClient(t *testing.T) {
	var gotToken, gotName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Auth-Token")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/stacks":
			var req stackRequest
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &req)
			gotName = req.Name
			_, _ = w.Write([]byte(`{"stack":{"id":"s-1"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/stacks/s-1":
			_, _ = w.Write([]byte(`{"stack":{"id":"s-1","stack_status":"CREATE_COMPLETE","outputs":[{"output_key":"mcn.ccnx.router1","output_value":"10.1.1.1"}]}}`))
		case r.Method == http.MethodPut && r.URL.Path == "/stacks/s-1":
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodDelete && r.URL.Path == "/stacks/s-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL+"/", "secret", 0, zerolog.Nop())
	id, err := c.Deploy(ctx, []byte("resources: {}"), "icnaas_4242")
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
	assert.Equal(t, "icnaas_4242", gotName)
	assert.Equal(t, "secret", gotToken)

	d, err := c.Details(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Complete())
	assert.Equal(t, []Output{{Key: "mcn.ccnx.router1", Value: "10.1.1.1"}}, d.Outputs)

	require.NoError(t, c.Update(ctx, id, []byte("resources: {}")))
	require.NoError(t, c.Dispose(ctx, id))

	_, err = c.Details(ctx, "missing")
	assert.ErrorIs(t, err, ErrStackNotFound)
}
