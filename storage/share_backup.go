package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/config"
)

// ShareBackup uploads encrypted DKG share blobs to an S3 compatible bucket.
// The blob is already encrypted under the signer's own key before it gets
// here; the bucket only ever sees ciphertext.
type ShareBackup struct {
	cfg      config.Config
	session  *session.Session
	s3Client *s3.S3
	logger   *logrus.Logger
}

func NewShareBackup(cfg config.Config) (*ShareBackup, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Backup.Region),
		Endpoint:         aws.String(cfg.Backup.Host),
		Credentials:      credentials.NewStaticCredentials(cfg.Backup.AccessKey, cfg.Backup.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return &ShareBackup{
		cfg:      cfg,
		session:  sess,
		s3Client: s3.New(sess),
		logger:   logrus.WithField("module", "share_backup").Logger,
	}, nil
}

// UploadWithRetry uploads the blob, retrying on transient S3 failures.
func (b *ShareBackup) UploadWithRetry(ctx context.Context, content []byte, name string, retry int) error {
	var err error
	for i := 0; i < retry; i++ {
		err = b.Upload(ctx, content, name)
		if err == nil {
			return nil
		}
		b.logger.Error(err)
	}
	return err
}

func (b *ShareBackup) Upload(ctx context.Context, content []byte, name string) error {
	b.logger.Infoln("upload share backup", name, "bucket", b.cfg.Backup.Bucket, "content length", len(content))
	output, err := b.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.cfg.Backup.Bucket),
		Key:           aws.String(name),
		Body:          aws.ReadSeekCloser(bytes.NewReader(content)),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return fmt.Errorf("fail to upload share backup: %w", err)
	}
	if output != nil {
		b.logger.Infof("upload share backup %s success, version id: %s", name, aws.StringValue(output.VersionId))
	}
	return nil
}

// Get retrieves a share backup blob.
func (b *ShareBackup) Get(ctx context.Context, name string) ([]byte, error) {
	output, err := b.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Backup.Bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("fail to get share backup: %w", err)
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			b.logger.Error(err)
		}
	}()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(output.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
