package resultsink

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/listwatch/pkg/tabular"
)

func sampleTable() *tabular.Table {
	return tabular.NewResult([]tabular.ResultRow{
		{Number: "11912345678", Valid: true},
		{Number: "11888887777", Valid: false},
	})
}

func TestDirSink_WritesCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "FINAL")
	s := NewDirSink(dir)

	dest, err := s.Write(context.Background(), "20260301_100000_batch1.csv", sampleTable())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20260301_100000_batch1.csv"), dest)

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "Numero;Tem Zap\n11912345678;SIM\n11888887777;NAO\n", string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not linger")
}

func TestDirSink_WritesXLSX(t *testing.T) {
	s := NewDirSink(t.TempDir())
	dest, err := s.Write(context.Background(), "out.xlsx", sampleTable())
	require.NoError(t, err)

	back, err := tabular.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, 2, back.Len())
}

func TestDirSink_NameCollision(t *testing.T) {
	s := NewDirSink(t.TempDir())
	first, err := s.Write(context.Background(), "a.csv", sampleTable())
	require.NoError(t, err)
	second, err := s.Write(context.Background(), "a.csv", sampleTable())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "a_2.csv", filepath.Base(second))
}

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Write(t *testing.T) {
	fp := &fakePutter{}
	s := newS3Sink(fp, "results", "/listwatch/final/")

	uri, err := s.Write(context.Background(), "x.csv", sampleTable())
	require.NoError(t, err)
	assert.Equal(t, "s3://results/listwatch/final/x.csv", uri)
	assert.Equal(t, "results", aws.ToString(fp.in.Bucket))
	assert.Equal(t, "listwatch/final/x.csv", aws.ToString(fp.in.Key))
	assert.Equal(t, "text/csv; charset=utf-8", aws.ToString(fp.in.ContentType))
	assert.Equal(t, int64(len(fp.body)), aws.ToInt64(fp.in.ContentLength))
	assert.Contains(t, string(fp.body), "11912345678;SIM")
}

func TestS3Sink_ErrorMapping(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"AccessDenied", ErrAccessDenied},
		{"NoSuchBucket", ErrBucketNotFound},
		{"SlowDown", ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			fp := &fakePutter{err: &smithy.GenericAPIError{Code: tc.code}}
			s := newS3Sink(fp, "b", "")
			_, err := s.Write(context.Background(), "x.csv", sampleTable())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var we *WriteError
			require.True(t, errors.As(err, &we))
			assert.Equal(t, "s3://b/x.csv", we.Target)
		})
	}
}

func TestS3Config_Validate(t *testing.T) {
	assert.Error(t, (&S3Config{}).Validate())
	assert.Error(t, (&S3Config{Bucket: "b", AccessKeyID: "k"}).Validate())
	assert.NoError(t, (&S3Config{Bucket: "b"}).Validate())
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "sa-east-1", resolveRegion("", "sa-east-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}
