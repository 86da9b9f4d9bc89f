// Package influx records pool time series: contributions, rejections, rounds
// and reward credits.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/orepool/internal/pool"
	"github.com/bardlex/orepool/pkg/log"
)

// Client writes points through the asynchronous write API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient connects to InfluxDB. Asynchronous write failures are logged.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &Client{client: client, bucket: cfg.Bucket, org: cfg.Org}
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}

	c.writeAPI = client.WriteAPI(cfg.Org, cfg.Bucket)
	errs := c.writeAPI.Errors()
	go func() {
		l := logger.WithComponent("influx")
		for err := range errs {
			l.WithError(err).Warn("Metric write failed")
		}
	}()
	return c, nil
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	if c.writeAPI != nil {
		c.writeAPI.Flush()
	}
	c.client.Close()
}

// Health checks InfluxDB connectivity.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}
	return nil
}

// Flush forces pending points out.
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteContribution records an accepted contribution.
func (c *Client) WriteContribution(ct pool.Contribution) {
	c.writeAPI.WritePoint(ContributionPoint(ct))
}

// WriteRejection records a rejected contribute request.
func (c *Client) WriteRejection(reason string, at time.Time) {
	c.writeAPI.WritePoint(RejectionPoint(reason, at))
}

// WriteRound records a closed round.
func (c *Client) WriteRound(s RoundStats) {
	c.writeAPI.WritePoint(RoundPoint(s))
}

// WriteReward records a reward credit.
func (c *Client) WriteReward(d pool.RewardDelta, at time.Time) {
	c.writeAPI.WritePoint(RewardPoint(d, at))
}

// RoundStats summarises a closed round.
type RoundStats struct {
	RoundID        uint64
	Contributions  int
	Members        int
	BestDifficulty uint32
	TotalScore     float64
	Budget         uint64
	PoolFee        uint64
	Submitted      bool
	Duration       time.Duration
	ClosedAt       time.Time
}

// ContributionPoint builds the point for an accepted contribution.
func ContributionPoint(ct pool.Contribution) *write.Point {
	return write.NewPoint("contributions",
		map[string]string{
			"member_id": strconv.FormatUint(ct.MemberID, 10),
		},
		map[string]any{
			"round_id":   ct.RoundID,
			"difficulty": int64(ct.Difficulty),
			"count":      1,
		},
		ct.ReceivedAt,
	)
}

// RejectionPoint builds the point for a rejected request.
func RejectionPoint(reason string, at time.Time) *write.Point {
	return write.NewPoint("rejections",
		map[string]string{"reason": reason},
		map[string]any{"count": 1},
		at,
	)
}

// RoundPoint builds the point for a closed round.
func RoundPoint(s RoundStats) *write.Point {
	return write.NewPoint("rounds",
		map[string]string{"submitted": strconv.FormatBool(s.Submitted)},
		map[string]any{
			"round_id":        s.RoundID,
			"contributions":   s.Contributions,
			"members":         s.Members,
			"best_difficulty": int64(s.BestDifficulty),
			"total_score":     s.TotalScore,
			"budget":          s.Budget,
			"pool_fee":        s.PoolFee,
			"duration_ms":     s.Duration.Milliseconds(),
		},
		s.ClosedAt,
	)
}

// RewardPoint builds the point for a reward credit.
func RewardPoint(d pool.RewardDelta, at time.Time) *write.Point {
	return write.NewPoint("rewards",
		map[string]string{"member_id": strconv.FormatUint(d.MemberID, 10)},
		map[string]any{
			"round_id": d.RoundID,
			"amount":   d.Amount,
		},
		at,
	)
}
