package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

// S3Archiver sube cada lote archivado como un objeto JSONL.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver carga la configuración por defecto de AWS. Con endpoint
// (MinIO, LocalStack) se usa path-style.
func NewS3Archiver(ctx context.Context, region, bucket, endpoint, prefix string) (*S3Archiver, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Archiver{
		client: s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		}),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// objectKey: <prefix>/AAAA/MM/DD/<primera seq>-<última seq>.jsonl
func objectKey(prefix string, events []sharedDomain.OutboxEvent, now time.Time) string {
	first, last := events[0].Sequence, events[len(events)-1].Sequence
	return fmt.Sprintf("%s/%s/%020d-%020d.jsonl", prefix, now.UTC().Format("2006/01/02"), first, last)
}

func (a *S3Archiver) Archive(ctx context.Context, events []sharedDomain.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	data, err := encodeJSONL(events)
	if err != nil {
		return fmt.Errorf("encode archive batch: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey(a.prefix, events, time.Now())),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}
