package action

import (
	"testing"
	"time"
)

func TestParametersEqual(t *testing.T) {
	base := Parameters{
		{Name: "reason", Type: TypeString, Required: true},
		{Name: "duration", Type: TypeNumber, Default: float64(60)},
	}

	cases := []struct {
		name  string
		other Parameters
		equal bool
	}{
		{
			name: "identical",
			other: Parameters{
				{Name: "reason", Type: TypeString, Required: true},
				{Name: "duration", Type: TypeNumber, Default: float64(60)},
			},
			equal: true,
		},
		{
			name: "different order",
			other: Parameters{
				{Name: "duration", Type: TypeNumber, Default: float64(60)},
				{Name: "reason", Type: TypeString, Required: true},
			},
			equal: false,
		},
		{
			name: "different type",
			other: Parameters{
				{Name: "reason", Type: TypePlayer, Required: true},
				{Name: "duration", Type: TypeNumber, Default: float64(60)},
			},
			equal: false,
		},
		{
			name: "different required flag",
			other: Parameters{
				{Name: "reason", Type: TypeString},
				{Name: "duration", Type: TypeNumber, Default: float64(60)},
			},
			equal: false,
		},
		{
			name: "different default",
			other: Parameters{
				{Name: "reason", Type: TypeString, Required: true},
				{Name: "duration", Type: TypeNumber, Default: float64(30)},
			},
			equal: false,
		},
		{
			name: "extra parameter",
			other: Parameters{
				{Name: "reason", Type: TypeString, Required: true},
				{Name: "duration", Type: TypeNumber, Default: float64(60)},
				{Name: "silent", Type: TypeBoolean},
			},
			equal: false,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := base.Equal(c.other); got != c.equal {
				t.Fatalf("expected Equal to be %v, got %v", c.equal, got)
			}
		})
	}
}

func TestDisplayStatus(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name     string
		status   Status
		created  time.Time
		expected Status
	}{
		{"fresh pending stays pending", StatusPending, now.Add(-time.Minute), StatusPending},
		{"old pending reads stalled", StatusPending, now.Add(-2 * time.Hour), StatusStalled},
		{"old completed stays completed", StatusCompleted, now.Add(-2 * time.Hour), StatusCompleted},
		{"old failed stays failed", StatusFailed, now.Add(-2 * time.Hour), StatusFailed},
		{"old running stays running", StatusRunning, now.Add(-2 * time.Hour), StatusRunning},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			exec := Execution{Status: c.status, CreatedAt: c.created}
			if got := exec.DisplayStatus(now); got != c.expected {
				t.Fatalf("expected %s, got %s", c.expected, got)
			}
		})
	}
}

func TestPlayerParameter(t *testing.T) {
	def := Definition{
		Parameters: Parameters{
			{Name: "reason", Type: TypeString},
			{Name: "target", Type: TypePlayer},
		},
	}
	p := def.PlayerParameter()
	if p == nil || p.Name != "target" {
		t.Fatalf("expected player parameter target, got %+v", p)
	}

	none := Definition{
		Parameters: Parameters{
			{Name: "reason", Type: TypeString},
		},
	}
	if none.PlayerParameter() != nil {
		t.Fatalf("expected no player parameter")
	}
}
