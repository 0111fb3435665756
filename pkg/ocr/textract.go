package ocr

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/observability"
)

// TextractAPI defines the Textract operations we need
type TextractAPI interface {
	StartDocumentTextDetection(ctx context.Context, input *textract.StartDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error)
	GetDocumentTextDetection(ctx context.Context, input *textract.GetDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error)
}

// TextractClient is the production OCR client backed by AWS Textract
type TextractClient struct {
	api    TextractAPI
	logger observability.Logger
}

var _ Client = (*TextractClient)(nil)

// NewTextractClient wraps a Textract client
func NewTextractClient(api TextractAPI, logger observability.Logger) *TextractClient {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &TextractClient{api: api, logger: logger.WithPrefix("ocr")}
}

func (c *TextractClient) SubmitJob(ctx context.Context, bucket, key string) (string, error) {
	out, err := c.api.StartDocumentTextDetection(ctx, &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(bucket),
				Name:   aws.String(key),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to start text detection for s3://%s/%s: %w", bucket, key, err)
	}
	c.logger.Info("OCR job submitted", map[string]interface{}{
		"job_id": aws.ToString(out.JobId),
		"bucket": bucket,
		"key":    key,
	})
	return aws.ToString(out.JobId), nil
}

// PollJob fetches the job status. On success it pages through all result
// blocks and assembles the full document text in LINE order.
func (c *TextractClient) PollJob(ctx context.Context, jobID string) (*JobResult, error) {
	var (
		text      strings.Builder
		pages     = map[int32]int{}
		nextToken *string
		status    types.JobStatus
		statusMsg string
		first     = true
	)

	for first || nextToken != nil {
		first = false
		out, err := c.api.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{
			JobId:     aws.String(jobID),
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to poll OCR job %s: %w", jobID, err)
		}
		status = out.JobStatus
		statusMsg = aws.ToString(out.StatusMessage)

		if status != types.JobStatusSucceeded {
			break
		}
		for _, block := range out.Blocks {
			if block.BlockType != types.BlockTypeLine {
				continue
			}
			text.WriteString(aws.ToString(block.Text))
			text.WriteString("\n")
			if block.Page != nil {
				pages[*block.Page]++
			}
		}
		nextToken = out.NextToken
	}

	switch status {
	case types.JobStatusSucceeded:
		return &JobResult{
			Status: JobStatusSucceeded,
			Text:   text.String(),
			Pages:  pageMetadata(pages),
		}, nil
	case types.JobStatusFailed, types.JobStatusPartialSuccess:
		return &JobResult{Status: JobStatusFailed, StatusMessage: statusMsg}, nil
	default:
		return &JobResult{Status: JobStatusInProgress}, nil
	}
}

func pageMetadata(lineCounts map[int32]int) []models.PageMetadata {
	out := make([]models.PageMetadata, 0, len(lineCounts))
	for page, lines := range lineCounts {
		out = append(out, models.PageMetadata{PageNumber: int(page), LineCount: lines})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out
}
