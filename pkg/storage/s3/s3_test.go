package s3

import (
	"context"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censys/intake-scanner/pkg/storage"
)

type stubAPI struct {
	headErr  error
	putErr   error
	head     *s3.HeadObjectOutput
	copies   []*s3.CopyObjectInput
	puts     []*s3.PutObjectInput
	deletes  int
	getBody  string
	getCalls int
}

func (s *stubAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if s.headErr != nil {
		return nil, s.headErr
	}
	return s.head, nil
}

func (s *stubAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.getCalls++
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(s.getBody)),
		ContentLength: aws.Int64(int64(len(s.getBody))),
	}, nil
}

func (s *stubAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	s.puts = append(s.puts, in)
	return &s3.PutObjectOutput{}, s.putErr
}

func (s *stubAPI) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	s.copies = append(s.copies, in)
	return &s3.CopyObjectOutput{}, nil
}

func (s *stubAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	s.deletes++
	return &s3.DeleteObjectOutput{}, nil
}

var buckets = storage.Buckets{
	storage.AreaIntake:     "uploads",
	storage.AreaClean:      "uploads-clean",
	storage.AreaQuarantine: "uploads-quarantine",
}

func TestStat_NotFound(t *testing.T) {
	api := &stubAPI{headErr: &types.NotFound{}}
	s := NewWithAPI(api, buckets)

	_, err := s.Stat(context.Background(), storage.AreaIntake, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStat_MapsHeadOutput(t *testing.T) {
	api := &stubAPI{head: &s3.HeadObjectOutput{
		ContentLength: aws.Int64(42),
		ContentType:   aws.String("application/pdf"),
		ETag:          aws.String(`"abc"`),
		Metadata:      map[string]string{"Scan-Status": "clean"},
	}}
	s := NewWithAPI(api, buckets)

	info, err := s.Stat(context.Background(), storage.AreaClean, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.Size)
	assert.Equal(t, "application/pdf", info.ContentType)
	assert.Equal(t, "clean", info.Metadata["scan-status"])
}

func TestDelete_MissingKey(t *testing.T) {
	api := &stubAPI{headErr: &smithy.GenericAPIError{Code: "NotFound"}}
	s := NewWithAPI(api, buckets)

	err := s.Delete(context.Background(), storage.AreaIntake, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, api.deletes)
}

func TestCopy_ReplacesMetadata(t *testing.T) {
	api := &stubAPI{head: &s3.HeadObjectOutput{
		ContentLength: aws.Int64(3),
		ContentType:   aws.String("text/plain"),
		ETag:          aws.String(`"etag"`),
	}}
	s := NewWithAPI(api, buckets)

	err := s.Copy(context.Background(), "2026/10/19/id-a b.txt", storage.AreaIntake, storage.AreaQuarantine,
		map[string]string{"scan-status": "infected"})
	require.NoError(t, err)
	require.Len(t, api.copies, 1)

	in := api.copies[0]
	assert.Equal(t, "uploads-quarantine", aws.ToString(in.Bucket))
	assert.Equal(t, "uploads/2026/10/19/id-a%20b.txt", aws.ToString(in.CopySource))
	assert.Equal(t, types.MetadataDirectiveReplace, in.MetadataDirective)
	assert.Equal(t, `"etag"`, aws.ToString(in.CopySourceIfMatch))
	assert.Equal(t, "infected", in.Metadata["scan-status"])
}

func TestCreate_PreconditionFailed(t *testing.T) {
	api := &stubAPI{putErr: &smithy.GenericAPIError{Code: "PreconditionFailed"}}
	s := NewWithAPI(api, buckets)

	err := s.Create(context.Background(), storage.AreaIntake, "k", strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.Len(t, api.puts, 1)
	assert.Equal(t, "*", aws.ToString(api.puts[0].IfNoneMatch))
}

func TestSignPut_WithoutPresigner(t *testing.T) {
	s := NewWithAPI(&stubAPI{}, buckets)
	_, err := s.SignPut(context.Background(), storage.PutGrant{Key: "k"})
	assert.Error(t, err)
}

func TestPresignTTL_NeverOutlivesGrant(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	ttl, err := presignTTL(now.Add(899*time.Second+600*time.Millisecond), now)
	require.NoError(t, err)
	assert.Equal(t, 899*time.Second, ttl)

	_, err = presignTTL(now.Add(900*time.Millisecond), now)
	assert.Error(t, err)
}

func TestSignPut_ExpiresWithinGrant(t *testing.T) {
	client := s3.New(s3.Options{
		Region: "us-east-1",
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET"}, nil
		}),
	})
	s := New(client, buckets)
	now := time.Now()
	s.now = func() time.Time { return now }

	signed, err := s.SignPut(context.Background(), storage.PutGrant{
		Key:         "2026/10/19/abc-report.pdf",
		ContentType: "application/pdf",
		Size:        2048,
		ExpiresAt:   now.Add(15*time.Minute - 400*time.Millisecond),
	})
	require.NoError(t, err)
	u, err := url.Parse(signed.URL)
	require.NoError(t, err)
	assert.Equal(t, "899", u.Query().Get("X-Amz-Expires"))
}
