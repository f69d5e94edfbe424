package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/config"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3MirrorUpload(t *testing.T) {
	archive := writeArchive(t, t.TempDir(), "docs.tar.gz.age", "ciphertext")
	client := &fakeS3{}
	m := NewS3MirrorWithClient(testLogger(), client, "backups", "hosts/web1")

	require.NoError(t, m.Upload(context.Background(), archive))
	assert.Equal(t, "s3://backups/hosts/web1", m.Name())
	assert.Equal(t, "backups", aws.ToString(client.input.Bucket))
	assert.Equal(t, "hosts/web1/docs.tar.gz.age", aws.ToString(client.input.Key))
	assert.Equal(t, int64(len("ciphertext")), aws.ToInt64(client.input.ContentLength))
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256([]byte("ciphertext"))), client.input.Metadata["sha256"])
	assert.Equal(t, "ciphertext", string(client.body))
}

func TestS3MirrorUploadError(t *testing.T) {
	archive := writeArchive(t, t.TempDir(), "docs.tar", "x")
	m := NewS3MirrorWithClient(testLogger(), &fakeS3{err: errors.New("AccessDenied")}, "b", "")
	err := m.Upload(context.Background(), archive)
	assert.ErrorContains(t, err, "s3://b/docs.tar")
	assert.ErrorContains(t, err, "AccessDenied")
}

func TestNewS3MirrorUsesStaticCredentials(t *testing.T) {
	var captured awsconfig.LoadOptions
	orig := loadAWSConfig
	loadAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		for _, fn := range optFns {
			require.NoError(t, fn(&captured))
		}
		return aws.Config{Region: captured.Region, Credentials: captured.Credentials}, nil
	}
	t.Cleanup(func() { loadAWSConfig = orig })

	m, err := NewS3Mirror(context.Background(), testLogger(), config.MirrorConfig{
		Bucket:          "b",
		Region:          "eu-west-1",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", captured.Region)
	require.NotNil(t, captured.Credentials)
	creds, err := captured.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)
	assert.Equal(t, "s3://b", m.Name())
}

func TestNewS3MirrorLoadError(t *testing.T) {
	orig := loadAWSConfig
	loadAWSConfig = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no profile")
	}
	t.Cleanup(func() { loadAWSConfig = orig })

	_, err := NewS3Mirror(context.Background(), testLogger(), config.MirrorConfig{Bucket: "b"})
	assert.ErrorContains(t, err, "no profile")
}
