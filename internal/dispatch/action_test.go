package dispatch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeActionCanonical(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Action
	}{
		{
			name: "recommend",
			raw:  `{"action":"recommend_capability","targetType":"skill","targetId":"weekly-report","query":"summarize","confidence":0.9,"matchType":"exact"}`,
			want: Recommend{TargetType: "skill", TargetID: "weekly-report", Query: "summarize", Confidence: ptr(0.9), MatchType: "exact"},
		},
		{
			name: "execute generic",
			raw:  `{"action":"execute_generic","query":"rename files","planSteps":["list"," ","rename"]}`,
			want: ExecuteGeneric{Query: "rename files", PlanSteps: []string{"list", "rename"}},
		},
		{
			name: "create falls back to query",
			raw:  `{"action":"create_capability","query":"pdf to slides"}`,
			want: CreateCapability{Mode: "skill", SeedQuery: "pdf to slides"},
		},
		{
			name: "create keeps reason",
			raw:  `{"action":"create_capability","seedQuery":"pdf to slides","reason":"no capability converts documents"}`,
			want: CreateCapability{Mode: "skill", SeedQuery: "pdf to slides", Reason: "no capability converts documents"},
		},
		{
			name: "schedule",
			raw:  `{"action":"setup_schedule","cronExpr":"0 9 * * *","tz":"UTC","targetId":"digest","targetQuery":"send digest"}`,
			want: SetupSchedule{CronExpr: "0 9 * * *", TZ: "UTC", TargetType: "skill", TargetID: "digest", TargetQuery: "send digest"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAction([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeActionLegacy(t *testing.T) {
	tests := []struct {
		raw  string
		kind ActionKind
	}{
		{`{"action":"navigate_skill","skillId":"a","query":"q"}`, KindRecommend},
		{`{"action":"navigate_workflow","workflowId":"w","query":"q"}`, KindRecommend},
		{`{"action":"create_skill","query":"q"}`, KindCreate},
		{`{"action":"setup_cron","cronSchedule":"0 * * * *","cronTargetQuery":"q"}`, KindSchedule},
	}
	for _, tt := range tests {
		got, err := DecodeAction([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.kind, got.Kind(), tt.raw)
	}

	got, err := DecodeAction([]byte(`{"action":"navigate_workflow","workflowId":"w","query":"q"}`))
	require.NoError(t, err)
	assert.Equal(t, "w", got.(Recommend).TargetID)
}

func TestDecodeActionRejects(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr error
	}{
		{`{"query":"no discriminator"}`, ErrUnknownAction},
		{`{"action":"teleport"}`, ErrUnknownAction},
		{`{"action":"recommend_capability","query":"missing target"}`, ErrInvalidAction},
		{`{"action":"setup_schedule","cronExpr":"0 9 * * *"}`, ErrInvalidAction},
		{`not json`, ErrInvalidAction},
	}
	for _, tt := range tests {
		_, err := DecodeAction([]byte(tt.raw))
		if !errors.Is(err, tt.wantErr) {
			t.Fatalf("DecodeAction(%s) error = %v, want %v", tt.raw, err, tt.wantErr)
		}
	}
}

func TestEncodeActionAddsDiscriminator(t *testing.T) {
	data, err := EncodeAction(ExecuteGeneric{Query: "q", PlanSteps: []string{"a"}})
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "execute_generic", obj["action"])

	back, err := DecodeAction(data)
	require.NoError(t, err)
	assert.Equal(t, ExecuteGeneric{Query: "q", PlanSteps: []string{"a"}}, back)
}

func TestEncodeActionKeepsCreateReason(t *testing.T) {
	in := CreateCapability{Mode: "skill", SeedQuery: "pdf to slides", Reason: "nothing converts documents yet"}
	data, err := EncodeAction(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"reason":"nothing converts documents yet"`)

	back, err := DecodeAction(data)
	require.NoError(t, err)
	assert.Equal(t, in, back)
}

func TestParsePhase(t *testing.T) {
	assert.Equal(t, PhasePlanReview, ParsePhase("plan_review"))
	assert.Equal(t, PhaseClarify, ParsePhase("warp"))
	assert.Equal(t, PhaseClarify, ParsePhase(""))
}

func ptr(f float64) *float64 { return &f }
