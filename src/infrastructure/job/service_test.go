package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policypulse/src/infrastructure/job"
	"policypulse/src/tabular"
)

type stubPublisher struct {
	published []*message.Message
	failWith  error
}

func (p *stubPublisher) Publish(_ string, messages ...*message.Message) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, messages...)
	return nil
}

func (p *stubPublisher) Close() error { return nil }

type stubArchive struct {
	stored   map[string][]byte
	failWith error
}

func (a *stubArchive) StoreUpload(_ context.Context, jobID, _ string, data []byte) (string, error) {
	if a.failWith != nil {
		return "", a.failWith
	}
	if a.stored == nil {
		a.stored = make(map[string][]byte)
	}
	a.stored[jobID] = data
	return "ingest-uploads/" + jobID, nil
}

func submitDoc() *tabular.Document {
	return &tabular.Document{
		Headers: []string{"author", "id", "text"},
		Rows: []tabular.Row{
			{"id": "1", "text": "Great idea", "author": "Alice"},
			{"id": "2", "text": "Needs work", "author": "Bob"},
		},
	}
}

func TestSubmitCreatesQueuedJobAndPublishes(t *testing.T) {
	repo := job.NewMemoryRepository()
	publisher := &stubPublisher{}
	archive := &stubArchive{}
	service := job.NewService(publisher, repo, archive, logr.Discard())

	created, err := service.Submit(context.Background(), 42, "comments.csv", "clerk-7", submitDoc(), []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, created.Status)
	assert.Equal(t, 2, created.TotalRows)
	assert.Equal(t, "clerk-7", created.UploaderID)

	record, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, job.StatusQueued, record.Status)

	require.Len(t, publisher.published, 1)
	msg := publisher.published[0]
	assert.Equal(t, "42", msg.Metadata.Get("policy_id"))
	var item job.WorkItem
	require.NoError(t, json.Unmarshal(msg.Payload, &item))
	assert.Equal(t, created.ID, item.JobID)
	assert.Len(t, item.Rows, 2)

	assert.Equal(t, []byte("raw"), archive.stored[created.ID])
}

func TestSubmitSurvivesArchiveFailure(t *testing.T) {
	repo := job.NewMemoryRepository()
	publisher := &stubPublisher{}
	service := job.NewService(publisher, repo, &stubArchive{failWith: errors.New("minio down")}, logr.Discard())

	created, err := service.Submit(context.Background(), 42, "comments.csv", "", submitDoc(), []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, created.Status)
	assert.Len(t, publisher.published, 1)
}

func TestSubmitFailsJobWhenPublishFails(t *testing.T) {
	repo := job.NewMemoryRepository()
	publisher := &stubPublisher{failWith: errors.New("broker unreachable")}
	service := job.NewService(publisher, repo, nil, logr.Discard())

	created, err := service.Submit(context.Background(), 42, "comments.csv", "", submitDoc(), nil)
	require.Error(t, err)
	assert.Nil(t, created)

	// The stranded record must be terminal, not queued forever.
	jobs, err := repo.ListByPolicy(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.StatusFailed, jobs[0].Status)
	assert.NotNil(t, jobs[0].FinishedAt)
	require.Len(t, jobs[0].Errors, 1)
	assert.Contains(t, jobs[0].Errors[0], "broker unreachable")
}
