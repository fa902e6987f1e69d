package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"emergency-dispatch/shared/config"
)

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	At          time.Time
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

// WritePoints sends the batch in one blocking request.
func (c *Client) WritePoints(ctx context.Context, points []Point) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if len(points) == 0 {
		return nil
	}
	out := make([]*write.Point, 0, len(points))
	for _, p := range points {
		ts := p.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		out = append(out, influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, ts))
	}
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, out...)
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
