package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/agent"
)

const agentsYAML = `
agents:
  - name: Intake
    description: Routes customer requests.
    instructions: You triage customer requests.
    handoffs: [Billing]
  - name: Billing
    instructions: You resolve billing issues.
    tools:
      - name: Refund Lookup
        component: billing
        keyed: true
        input_schema:
          type: object
          required: [amount]
          properties:
            amount:
              type: number
`

func TestLoadNormalizesIdentifiers(t *testing.T) {
	reg, err := Load(strings.NewReader(agentsYAML))
	require.NoError(t, err)
	require.Equal(t, []agent.Ident{"intake", "billing"}, reg.IDs())

	intake, ok := reg.Get("Intake")
	require.True(t, ok)
	require.Equal(t, []agent.Ident{"billing"}, intake.HandoffTargets())
	require.Equal(t, "Routes customer requests.", intake.HandoffDescription())

	billing, ok := reg.Get("billing")
	require.True(t, ok)
	tool, ok := agent.Tool(billing, "refund_lookup")
	require.True(t, ok)
	require.True(t, tool.Keyed)
	require.Equal(t, agent.Target{Component: "billing", Handler: "refund_lookup"}, tool.Target)
	require.JSONEq(t, `{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`, string(tool.InputSchema))
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New(
		&agent.Definition{Name: "Billing"},
		&agent.Definition{Name: "billing"},
	)
	require.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestNewRejectsToolsWithoutComponent(t *testing.T) {
	_, err := New(&agent.Definition{
		Name:    "billing",
		ToolSet: []agent.ToolDescriptor{{Name: "refund_lookup"}},
	})
	require.ErrorIs(t, err, ErrInvalidAgent)
}

func TestSubsetDropsUnknownAgents(t *testing.T) {
	reg, err := New(&agent.Definition{Name: "intake"}, &agent.Definition{Name: "billing"})
	require.NoError(t, err)

	sub := reg.Subset([]agent.Ident{"billing", "ghost"})
	require.Equal(t, []agent.Ident{"billing"}, sub.IDs())
	_, ok := sub.Get("intake")
	require.False(t, ok)

	require.Same(t, reg, reg.Subset(nil))
}
