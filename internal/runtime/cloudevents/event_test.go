package cloudevents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/simbus/internal/runtime/jsoncodec"
)

func TestNew(t *testing.T) {
	data := map[string]any{"pair": "EURUSD"}
	evt := New("fx.spot", "fx_sim", data)

	assert.Equal(t, SpecVersion, evt.SpecVersion)
	assert.Equal(t, "fx.spot", evt.Type)
	assert.Equal(t, "fx_sim", evt.Source)
	assert.Len(t, evt.ID, 26)
	assert.False(t, evt.Time.IsZero())
	assert.Equal(t, ContentTypeJSON, evt.DataContentType)
	assert.Equal(t, data, evt.Data)
	assert.NoError(t, evt.Validate())
}

func TestWithExtensionDoesNotMutateOriginal(t *testing.T) {
	evt := New("prices.tick", "md_sim", nil)
	extended := evt.WithExtension("region", "eu").WithSubject("AAPL")

	assert.Nil(t, evt.GetExtension("region"))
	assert.Equal(t, "eu", extended.GetExtensionString("region"))
	assert.Equal(t, "AAPL", extended.Subject)
}

func TestExtensionGetters(t *testing.T) {
	evt := Event{Extensions: map[string]any{
		"str":   "value",
		"float": float64(3),
		"num":   "7",
		"bad":   "x",
		"flag":  true,
	}}

	assert.Equal(t, "value", evt.GetExtensionString("str"))
	assert.Equal(t, "true", evt.GetExtensionString("flag"))
	assert.Equal(t, "", evt.GetExtensionString("missing"))
	assert.Equal(t, 3, evt.GetExtensionInt("float"))
	assert.Equal(t, 7, evt.GetExtensionInt("num"))
	assert.Equal(t, 0, evt.GetExtensionInt("bad"))
	assert.Equal(t, 0, Event{}.GetExtensionInt("float"))
}

func TestValidate(t *testing.T) {
	valid := New("inav.tick", "pricing", nil)

	tests := []struct {
		name   string
		mutate func(*Event)
		want   string
	}{
		{"missing specversion", func(e *Event) { e.SpecVersion = "" }, "specversion is required"},
		{"wrong specversion", func(e *Event) { e.SpecVersion = "0.3" }, `specversion must be "1.0"`},
		{"missing type", func(e *Event) { e.Type = "" }, "type is required"},
		{"missing source", func(e *Event) { e.Source = "" }, "source is required"},
		{"missing id", func(e *Event) { e.ID = "" }, "id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := valid.Clone()
			tt.mutate(&evt)
			err := evt.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestJSONIsFlattened(t *testing.T) {
	evt := Event{
		SpecVersion:     SpecVersion,
		Type:            "prices.tick",
		Source:          "md_sim",
		ID:              "01HZX",
		Time:            time.Date(2024, 3, 1, 14, 30, 0, 5_000_000, time.UTC),
		DataContentType: ContentTypeJSON,
		Data:            map[string]any{"security_id": "AAPL", "mid": 187.5},
		Extensions:      map[string]any{ExtSchemaVersion: 2},
	}

	body, err := jsoncodec.Marshal(evt)
	require.NoError(t, err)

	raw, err := jsoncodec.UnmarshalObject(body)
	require.NoError(t, err)
	assert.Equal(t, "1.0", raw["specversion"])
	assert.Equal(t, "2024-03-01T14:30:00.005Z", raw["time"])
	assert.Equal(t, float64(2), raw[ExtSchemaVersion])
	assert.NotContains(t, raw, "extensions")
	assert.NotContains(t, raw, "subject")

	var decoded Event
	require.NoError(t, jsoncodec.Unmarshal(body, &decoded))
	assert.Equal(t, evt.ID, decoded.ID)
	assert.True(t, evt.Time.Equal(decoded.Time))
	assert.Equal(t, "AAPL", decoded.Data["security_id"])
	assert.Equal(t, 2, SchemaVersion(decoded))
}

func TestExtensionsCannotShadowAttributes(t *testing.T) {
	evt := New("fx.spot", "fx_sim", nil).WithExtension("type", "spoofed")
	assert.Equal(t, "fx.spot", evt.Map()["type"])
}

func TestFromMapRejectsWrongTypes(t *testing.T) {
	_, err := FromMap(map[string]any{"specversion": "1.0", "type": 5.0})
	assert.ErrorContains(t, err, "invalid type")

	_, err = FromMap(map[string]any{"specversion": "1.0", "data": []any{1.0}})
	assert.ErrorContains(t, err, "invalid data")

	_, err = FromMap(map[string]any{"specversion": "1.0", "time": "yesterday"})
	assert.ErrorContains(t, err, "invalid time")
}

func TestParseAndFormatTime(t *testing.T) {
	for _, in := range []string{
		"2024-03-01T14:30:00.005Z",
		"2024-03-01T15:30:00.005+01:00",
	} {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, "2024-03-01T14:30:00.005Z", FormatTime(got), in)
	}

	got, err := ParseTime("2024-03-01 14:30:00")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Location())

	_, err = ParseTime("not a time")
	assert.Error(t, err)

	assert.Equal(t, "", FormatTime(time.Time{}))
	now := Now()
	assert.Equal(t, now, now.Truncate(time.Millisecond))
}

func TestUnprocessableError(t *testing.T) {
	cause := assert.AnError
	err := Unprocessable("too large", cause)

	assert.True(t, IsUnprocessable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "simbus: unprocessable (too large): "+cause.Error(), err.Error())
	assert.Equal(t, "simbus: unprocessable (bad)", Unprocessable("bad", nil).Error())
	assert.False(t, IsUnprocessable(cause))
}
