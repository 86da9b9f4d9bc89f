package influx

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/orepool/internal/pool"
)

func TestPoints(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name  string
		point *write.Point
		want  []string
	}{
		{
			name: "contribution",
			point: ContributionPoint(pool.Contribution{
				MemberID: 9, RoundID: 4, Difficulty: 13, ReceivedAt: at,
			}),
			want: []string{"contributions,member_id=9 ", "difficulty=13i", "round_id=4u", "count=1i"},
		},
		{
			name:  "rejection",
			point: RejectionPoint("below_min_difficulty", at),
			want:  []string{"rejections,reason=below_min_difficulty ", "count=1i"},
		},
		{
			name: "round",
			point: RoundPoint(RoundStats{
				RoundID: 4, Contributions: 3, Members: 2, BestDifficulty: 15,
				Budget: 990, PoolFee: 10, Submitted: true, Duration: 2 * time.Second, ClosedAt: at,
			}),
			want: []string{"rounds,submitted=true ", "best_difficulty=15i", "duration_ms=2000i", "pool_fee=10u"},
		},
		{
			name:  "reward",
			point: RewardPoint(pool.RewardDelta{RoundID: 4, MemberID: 9, Amount: 500}, at),
			want:  []string{"rewards,member_id=9 ", "amount=500u"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := write.PointToLineProtocol(tt.point, time.Second)
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("line %q does not contain %q", line, w)
				}
			}
			if !strings.HasSuffix(strings.TrimSpace(line), " 1700000000") {
				t.Errorf("line %q does not end with the timestamp", line)
			}
		})
	}
}
