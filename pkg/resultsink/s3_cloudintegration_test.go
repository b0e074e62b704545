//go:build cloudintegration

package resultsink_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/listwatch/pkg/resultsink"
	"github.com/3leaps/listwatch/pkg/tabular"
	"github.com/3leaps/listwatch/test/cloudtest"
)

func TestS3Sink_WritesResult(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	sink, err := resultsink.NewS3Sink(ctx, cloudtest.SinkConfig(bucket, "results/"))
	require.NoError(t, err)

	table := tabular.NewResult([]tabular.ResultRow{{Number: "11912345678", Valid: true}})
	uri, err := sink.Write(ctx, "20240501_120000_batch1.csv", table)
	require.NoError(t, err)
	assert.Equal(t, "s3://"+bucket+"/results/20240501_120000_batch1.csv", uri)

	body := cloudtest.GetObject(t, ctx, bucket, "results/20240501_120000_batch1.csv")
	assert.Equal(t, "Numero;Tem Zap\n11912345678;SIM\n", string(body))
}

func TestS3Sink_MissingBucket(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	sink, err := resultsink.NewS3Sink(ctx, cloudtest.SinkConfig("listwatch-does-not-exist", ""))
	require.NoError(t, err)

	_, err = sink.Write(ctx, "x.csv", tabular.NewResult(nil))
	assert.ErrorIs(t, err, resultsink.ErrBucketNotFound)
}
