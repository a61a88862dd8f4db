package flow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/waterflow/pkg/api"
)

const ordersHCL = `
flow "orders" {
  version  = "2"
  notify   = "audit"
  on_error = "skip-all"

  node "start" {
    type = "START"
    next "route" {}
  }

  node "route" {
    type = "CONDITION"
    next "review" { when = data.total > 100 }
    next "price" {}
  }

  node "review" {
    type        = "STATE"
    handler     = "review"
    max_retries = 2
    on_error    = "retry"
    next "price" {}
  }

  node "price" {
    type          = "STATE"
    handler       = "price"
    notify        = "billing"
    max_in_flight = 4
    accept        = session.region == "eu"
    reject        = "reroute"
    next "batch" {}
  }

  node "batch" {
    type    = "JOIN"
    handler = "sum"
    window {
      type  = "count"
      count = 3
    }
    next "done" {}
  }

  node "done" {
    type = "END"
  }
}
`

func testHandlers() *Handlers {
	return NewHandlers().
		Map("review", func(_ context.Context, v any) (any, error) { return v, nil }).
		Map("price", func(_ context.Context, v any) (any, error) { return v, nil }).
		Reduce("sum", func(_ context.Context, vs []any) (any, error) { return len(vs), nil }).
		OnError("retry", RetryUpTo(2)).
		OnError("skip-all", func(context.Context, Failure) Decision { return Skip })
}

func TestParseHCL(t *testing.T) {
	defs, err := ParseHCL([]byte(ordersHCL), "orders.hcl", testHandlers())
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, "orders", def.StreamID)
	assert.Equal(t, "2", def.Version)
	assert.Equal(t, "audit", def.NotifyTarget())
	assert.NotNil(t, def.GlobalError())
	assert.True(t, def.Active())

	review, ok := def.FlowNode("review")
	require.True(t, ok)
	assert.Equal(t, 2, review.MaxRetries)
	assert.NotNil(t, review.OnError)

	price, _ := def.FlowNode("price")
	assert.Equal(t, "billing", price.Notify)
	require.NotNil(t, price.Block)
	assert.Equal(t, 4, price.Block.MaxInFlight)
	require.NotNil(t, price.PreFilter)
	assert.Equal(t, RejectReroute, price.PreFilter.OnReject)

	eu := api.NewSession("t")
	eu.Set("region", "eu")
	us := api.NewSession("t")
	us.Set("region", "us")
	assert.True(t, price.PreFilter.Whether(&api.FlowContext{Session: eu}))
	assert.False(t, price.PreFilter.Whether(&api.FlowContext{Session: us}))

	batch, _ := def.FlowNode("batch")
	assert.True(t, batch.Window.Fulfilled(WindowState{Count: 3}))
}

func TestParseHCL_WhenExpressionRoutes(t *testing.T) {
	defs, err := ParseHCL([]byte(ordersHCL), "orders.hcl", testHandlers())
	require.NoError(t, err)
	route, _ := defs[0].FlowNode("route")

	large := &api.FlowContext{Data: map[string]any{"total": 250}}
	small := &api.FlowContext{Data: map[string]any{"total": 20}}
	typed := &api.FlowContext{Data: struct {
		Total int `json:"total"`
	}{Total: 500}}
	missing := &api.FlowContext{Data: "no total"}

	assert.Equal(t, []string{"review"}, eventTargets(route.Route(large)))
	assert.Equal(t, []string{"price"}, eventTargets(route.Route(small)))
	assert.Equal(t, []string{"review"}, eventTargets(route.Route(typed)))
	assert.Equal(t, []string{"price"}, eventTargets(route.Route(missing)))
}

func TestParseHCL_Errors(t *testing.T) {
	cases := map[string]string{
		"syntax": `flow "x" {`,
		"unknown handler": `flow "x" {
  node "start" {
    type = "START"
    next "a" {}
  }
  node "a" {
    type    = "STATE"
    handler = "nope"
  }
}`,
		"unknown type": `flow "x" {
  node "start" { type = "BOGUS" }
}`,
		"bad window": `flow "x" {
  node "start" {
    type = "START"
    next "j" {}
  }
  node "j" {
    type    = "JOIN"
    handler = "sum"
    window { type = "time" }
  }
}`,
		"unreachable": `flow "x" {
  node "start" { type = "START" }
  node "end" { type = "END" }
}`,
	}

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHCL([]byte(src), name+".hcl", testHandlers())
			assert.Error(t, err)
		})
	}
}

func TestLoadHCLDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"), []byte(ordersHCL), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"), []byte(`
flow "ping" {
  inactive = true
  node "start" {
    type = "START"
    next "end" {}
  }
  node "end" { type = "END" }
}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope"), 0o644))

	defs, err := LoadHCLDir(dir, testHandlers())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "orders", defs[0].StreamID)
	assert.Equal(t, "ping", defs[1].StreamID)
	assert.False(t, defs[1].Active())
}
