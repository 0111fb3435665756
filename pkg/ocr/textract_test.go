package ocr

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTextractAPI struct {
	jobID     string
	pages     map[string]*textract.GetDocumentTextDetectionOutput
	submitted []*textract.StartDocumentTextDetectionInput
}

func (f *fakeTextractAPI) StartDocumentTextDetection(_ context.Context, input *textract.StartDocumentTextDetectionInput, _ ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error) {
	f.submitted = append(f.submitted, input)
	return &textract.StartDocumentTextDetectionOutput{JobId: aws.String(f.jobID)}, nil
}

func (f *fakeTextractAPI) GetDocumentTextDetection(_ context.Context, input *textract.GetDocumentTextDetectionInput, _ ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error) {
	token := ""
	if input.NextToken != nil {
		token = *input.NextToken
	}
	return f.pages[token], nil
}

func lineBlock(text string, page int32) types.Block {
	return types.Block{BlockType: types.BlockTypeLine, Text: aws.String(text), Page: aws.Int32(page)}
}

func TestTextractSubmitJob(t *testing.T) {
	api := &fakeTextractAPI{jobID: "job-42"}
	c := NewTextractClient(api, nil)

	jobID, err := c.SubmitJob(context.Background(), "legal-docs", "uploads/complaint.pdf")
	require.NoError(t, err)
	assert.Equal(t, "job-42", jobID)

	require.Len(t, api.submitted, 1)
	loc := api.submitted[0].DocumentLocation.S3Object
	assert.Equal(t, "legal-docs", *loc.Bucket)
	assert.Equal(t, "uploads/complaint.pdf", *loc.Name)
}

func TestTextractPollJobAssemblesPagedText(t *testing.T) {
	api := &fakeTextractAPI{pages: map[string]*textract.GetDocumentTextDetectionOutput{
		"": {
			JobStatus: types.JobStatusSucceeded,
			NextToken: aws.String("page-2"),
			Blocks: []types.Block{
				lineBlock("IN THE DISTRICT COURT", 1),
				{BlockType: types.BlockTypeWord, Text: aws.String("ignored")},
				lineBlock("Case No. 25-1234", 1),
			},
		},
		"page-2": {
			JobStatus: types.JobStatusSucceeded,
			Blocks: []types.Block{
				lineBlock("COMPLAINT", 2),
			},
		},
	}}
	c := NewTextractClient(api, nil)

	result, err := c.PollJob(context.Background(), "job-42")
	require.NoError(t, err)
	assert.Equal(t, JobStatusSucceeded, result.Status)
	assert.Equal(t, "IN THE DISTRICT COURT\nCase No. 25-1234\nCOMPLAINT\n", result.Text)

	require.Len(t, result.Pages, 2)
	assert.Equal(t, 1, result.Pages[0].PageNumber)
	assert.Equal(t, 2, result.Pages[0].LineCount)
	assert.Equal(t, 2, result.Pages[1].PageNumber)
	assert.Equal(t, 1, result.Pages[1].LineCount)
}

func TestTextractPollJobInProgress(t *testing.T) {
	api := &fakeTextractAPI{pages: map[string]*textract.GetDocumentTextDetectionOutput{
		"": {JobStatus: types.JobStatusInProgress},
	}}
	c := NewTextractClient(api, nil)

	result, err := c.PollJob(context.Background(), "job-42")
	require.NoError(t, err)
	assert.Equal(t, JobStatusInProgress, result.Status)
	assert.Empty(t, result.Text)
}

func TestTextractPollJobFailed(t *testing.T) {
	for _, status := range []types.JobStatus{types.JobStatusFailed, types.JobStatusPartialSuccess} {
		api := &fakeTextractAPI{pages: map[string]*textract.GetDocumentTextDetectionOutput{
			"": {JobStatus: status, StatusMessage: aws.String("unreadable scan")},
		}}
		c := NewTextractClient(api, nil)

		result, err := c.PollJob(context.Background(), "job-42")
		require.NoError(t, err)
		assert.Equal(t, JobStatusFailed, result.Status, "textract status %s", status)
		assert.Equal(t, "unreadable scan", result.StatusMessage)
	}
}
