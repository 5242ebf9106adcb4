package proxy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanStripsNulls(t *testing.T) {
	var in map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"a":1,"b":null,"c":{"d":null,"e":"x"}}`), &in))

	out := Clean(in).(map[string]interface{})
	assert.NotContains(t, out, "b")
	nested := out["c"].(map[string]interface{})
	assert.NotContains(t, nested, "d")
	assert.Equal(t, "x", nested["e"])
}

func TestCleanStripsUnderscoreKeys(t *testing.T) {
	in := map[string]interface{}{
		"_internal": "drop",
		"keep":      "yes",
	}
	out := Clean(in).(map[string]interface{})
	assert.NotContains(t, out, "_internal")
	assert.Equal(t, "yes", out["keep"])
}

func TestCleanWalksArrays(t *testing.T) {
	var in map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"choices":[{"text":"a","logprobs":null},{"text":"b","_meta":1}]}`), &in))

	out := Clean(in).(map[string]interface{})
	choices := out["choices"].([]interface{})
	assert.NotContains(t, choices[0].(map[string]interface{}), "logprobs")
	assert.NotContains(t, choices[1].(map[string]interface{}), "_meta")
}

func TestCleanIdempotent(t *testing.T) {
	var in map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"a":null,"b":[null,{"_x":1,"y":2}],"c":"z"}`), &in))

	once := Clean(in)
	twice := Clean(once)
	assert.Equal(t, once, twice)
}

func TestCleanScalarsPassThrough(t *testing.T) {
	assert.Equal(t, "s", Clean("s"))
	assert.Equal(t, 3.5, Clean(3.5))
	assert.Equal(t, true, Clean(true))
	assert.Nil(t, Clean(nil))
}
