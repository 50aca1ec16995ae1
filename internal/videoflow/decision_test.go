package videoflow

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoflow/internal/activities"
	"videoflow/internal/pkg/errors"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want Decision
	}{
		{"Approved", Approved},
		{"approved", Approved},
		{" APPROVED ", Approved},
		{"Rejected", Rejected},
		{"rEjEcTeD", Rejected},
		{"Timed Out", Unknown},
		{"TimedOut", Unknown},
		{"", Unknown},
		{"yes", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDecision(tt.in))
		})
	}
}

func TestDecodeSignal(t *testing.T) {
	assert.Equal(t, "Approved", decodeSignal(json.RawMessage(`"Approved"`)))
	assert.Equal(t, "42", decodeSignal(json.RawMessage(`42`)))
	assert.Equal(t, "", decodeSignal(nil))
}

func TestSelectBest(t *testing.T) {
	best, err := SelectBest([]activities.TranscodeResult{
		{Location: "a", BitrateKbps: 720},
		{Location: "b", BitrateKbps: 1080},
		{Location: "c", BitrateKbps: 1080},
		{Location: "d", BitrateKbps: 480},
	})
	require.NoError(t, err)
	assert.Equal(t, "b", best.Location)

	_, err = SelectBest(nil)
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestArtifactsProducedSkipsEmpty(t *testing.T) {
	assert.Equal(t, []activities.VideoReference{}, artifacts{}.produced())
	assert.Equal(t, []activities.VideoReference{"t", "i"}, artifacts{transcoded: "t", withIntro: "i"}.produced())
}

func TestFailureTruncatesMessage(t *testing.T) {
	long := strings.Repeat("x", errors.MaxMessageLength+100)
	res := failure(assert.AnError)
	assert.Equal(t, FailureError, res.Error)

	res = failure(errorString(long))
	assert.Len(t, res.Message, errors.MaxMessageLength)
}

type errorString string

func (e errorString) Error() string { return string(e) }

func TestResultJSON(t *testing.T) {
	raw, err := json.Marshal(failure(errorString("boom")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"failed","error":"Failed to process uploaded video","message":"boom"}`, string(raw))

	raw, err = json.Marshal(success(artifacts{transcoded: "t", thumbnail: "th", withIntro: "i"}, Approved))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"succeeded","transcoded":"t","thumbnail":"th","withIntro":"i","approvalResult":"Approved"}`, string(raw))
}
