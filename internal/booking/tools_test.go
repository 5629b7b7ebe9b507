package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{
		ToolVerifyPatient,
		ToolResolvePhysician,
		ToolSelectPhysician,
		ToolFindSlots,
		ToolBookAppointment,
	}, r.Names())

	book, ok := r.Lookup(ToolBookAppointment)
	require.True(t, ok)
	assert.Equal(t, []string{"selection"}, book.Required())

	schema := book.Schema()
	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	assert.Contains(t, props, "visit_reason")
	assert.Equal(t, []string{"selection"}, schema["required"])

	_, ok = r.Lookup("cancel_appointment")
	assert.False(t, ok)
}

func TestMissingArguments(t *testing.T) {
	r := DefaultRegistry()

	missing, err := r.MissingArguments(ToolVerifyPatient, map[string]any{"full_name": "Jane Smith", "date_of_birth": "  "})
	require.NoError(t, err)
	assert.Equal(t, []string{"date_of_birth"}, missing)

	missing, err = r.MissingArguments(ToolBookAppointment, map[string]any{"selection": float64(2)})
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = r.MissingArguments("nope", nil)
	assert.Error(t, err)
}

func TestStringArg(t *testing.T) {
	args := map[string]any{"a": " x ", "b": float64(3), "c": 2.5, "d": true}
	assert.Equal(t, "x", StringArg(args, "a"))
	assert.Equal(t, "3", StringArg(args, "b"))
	assert.Equal(t, "2.5", StringArg(args, "c"))
	assert.Equal(t, "true", StringArg(args, "d"))
	assert.Equal(t, "", StringArg(args, "missing"))
}
