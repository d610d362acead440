package safety

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklistedMethodsRejectedForEveryModel(t *testing.T) {
	models := []string{"project", "task", "user", "update", "invoice", ""}
	args := []map[string]any{nil, {}, {"where": map[string]any{"id": "p1"}}}
	for _, method := range blocklist {
		for _, variant := range []string{method, strings.ToUpper(method), strings.ToLower(method)} {
			for _, model := range models {
				for _, a := range args {
					cmd := Command{Model: model, Method: variant, Args: a}
					assert.False(t, IsSafe(cmd), "%s.%s", model, variant)
					err := Check(cmd)
					var blocked *OperationBlockedError
					require.True(t, errors.As(err, &blocked), "%s.%s", model, variant)
					assert.Equal(t, Blocked, blocked.Verdict)
				}
			}
		}
	}
}

func TestWhitelist(t *testing.T) {
	assert.Equal(t, Allowed, Classify("project", "findMany"))
	assert.Equal(t, Allowed, Classify("task", "count"))
	assert.Equal(t, Allowed, Classify("user", "findUnique"))
	assert.Equal(t, Allowed, Classify("update", "findFirst"))

	assert.Equal(t, UnknownMethod, Classify("user", "findFirst"))
	assert.Equal(t, UnknownMethod, Classify("update", "findUnique"))
	assert.Equal(t, UnknownMethod, Classify("task", "create"))
	assert.Equal(t, UnknownModel, Classify("invoice", "findMany"))
}

func TestCheckAllowed(t *testing.T) {
	require.NoError(t, Check(Command{Model: "task", Method: "findMany"}))
	err := Check(Command{Model: "task", Method: "aggregate"})
	var blocked *OperationBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, UnknownMethod, blocked.Verdict)
	assert.Contains(t, err.Error(), "task.aggregate")
}
