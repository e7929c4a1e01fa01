package tracking

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCount_JSON(t *testing.T) {
	b, err := json.Marshal([]Count{Known(42), Known(0), Unknown(), Retired()})
	require.NoError(t, err)
	assert.JSONEq(t, `[42, 0, "unknown", "retired"]`, string(b))
}

func TestCount_String(t *testing.T) {
	assert.Equal(t, "7", Known(7).String())
	assert.Equal(t, "unknown", Unknown().String())
	assert.Equal(t, "retired", Retired().String())
}
