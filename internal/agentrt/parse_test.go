package agentrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStructured(t *testing.T) {
	raw, err := ParseStructured(`{"decision":"approved"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"decision":"approved"}`, string(raw))
}

func TestParseStructured_StripsFencing(t *testing.T) {
	raw, err := ParseStructured("```json\n{\"decision\":\"approved\"}\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"decision":"approved"}`, string(raw))
}

func TestParseStructured_RejectsProse(t *testing.T) {
	_, err := ParseStructured("I think this looks fine, approved!")
	assert.Error(t, err)
}

func TestParseStructured_RejectsEmpty(t *testing.T) {
	_, err := ParseStructured("")
	assert.Error(t, err)
}
