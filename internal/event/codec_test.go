package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_KnownKinds(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Event
	}{
		{
			name: "status",
			in:   `{"type":"status","message":"Generating conversion matrix via Claude..."}`,
			want: Status{Message: "Generating conversion matrix via Claude..."},
		},
		{
			name: "sim_started with integer run id",
			in:   `{"type":"sim_started","run_id":7}`,
			want: SimStarted{RunID: "7"},
		},
		{
			name: "matrix_ready",
			in:   `{"type":"matrix_ready","pairs":2,"sample":[{"persona":"casual","variant_id":3,"prob":0.42}]}`,
			want: MatrixReady{Pairs: 2, Sample: []MatrixSample{{Persona: "casual", VariantID: 3, Prob: 0.42}}},
		},
		{
			name: "user_event",
			in:   `{"type":"user_event","user_number":12,"persona":"anxious","step":2,"step_name":"signup","variant_id":5,"converted":true,"match_score":0.7}`,
			want: UserEvent{UserNumber: 12, Persona: "anxious", Step: 2, StepName: "signup", VariantID: 5, Converted: true, MatchScore: 0.7},
		},
		{
			name: "bandit_snapshot",
			in:   `{"type":"bandit_snapshot","user_number":3,"states":[{"variant_id":1,"exposures":3,"conversions":1,"rate":0.3333}]}`,
			want: BanditSnapshot{UserNumber: 3, States: []VariantState{{VariantID: 1, Exposures: 3, Conversions: 1, Rate: 0.3333}}},
		},
		{
			name: "sim_ended",
			in:   `{"type":"sim_ended","run_id":"abc","total_users":500}`,
			want: SimEnded{RunID: "abc", TotalUsers: 500},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Kind().Known())
		})
	}
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	got, err := Decode([]byte(`{"type":"error","message":"Run not found"}`))
	require.NoError(t, err)

	u, ok := got.(Unknown)
	require.True(t, ok, "expected Unknown, got %T", got)
	assert.Equal(t, "error", u.Type)
	assert.False(t, u.Kind().Known())
	assert.JSONEq(t, `{"type":"error","message":"Run not found"}`, string(u.Raw))
}

func TestDecode_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		code ParseErrorCode
	}{
		{"not json", `not valid json`, ErrCodeInvalidJSON},
		{"empty", ``, ErrCodeInvalidJSON},
		{"array", `[1,2]`, ErrCodeNotObject},
		{"missing type", `{"user_number":1}`, ErrCodeMissingType},
		{"empty type", `{"type":""}`, ErrCodeMissingType},
		{"numeric type", `{"type":4}`, ErrCodeMissingType},
		{"wrong field type", `{"type":"user_event","user_number":"one","step":1}`, ErrCodeInvalidField},
		{"step out of range", `{"type":"user_event","user_number":1,"step":5}`, ErrCodeInvalidField},
		{"negative snapshot user", `{"type":"bandit_snapshot","user_number":-1,"states":[]}`, ErrCodeInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			require.Error(t, err)
			require.True(t, IsParseError(err))

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
		})
	}
}

func TestEncode_PutsTypeFirst(t *testing.T) {
	data, err := Encode(UserEvent{UserNumber: 1, Step: 1, Persona: "casual", Converted: true})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"user_event","user_number":1,"step":1,"persona":"casual","converted":true}`, string(data))

	data, err = Encode(SimStarted{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"sim_started"}`, string(data))
}

func TestEncode_DecodeAgreeOnRunID(t *testing.T) {
	data, err := Encode(SimEnded{RunID: "42", TotalUsers: 3})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"sim_ended","run_id":42,"total_users":3}`, string(data))

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, SimEnded{RunID: "42", TotalUsers: 3}, got)
}

func TestUserNumberOf(t *testing.T) {
	n, ok := UserNumberOf(UserEvent{UserNumber: 9, Step: 1})
	assert.True(t, ok)
	assert.Equal(t, 9, n)

	n, ok = UserNumberOf(BanditSnapshot{UserNumber: 4})
	assert.True(t, ok)
	assert.Equal(t, 4, n)

	_, ok = UserNumberOf(Status{Message: "x"})
	assert.False(t, ok)
}
