package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockBlobUploader implements BlobUploader for testing
type MockBlobUploader struct {
	mock.Mock
	contents map[string]string
}

func (m *MockBlobUploader) UploadFile(ctx context.Context, containerName, blobName string, file *os.File) error {
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	if m.contents == nil {
		m.contents = make(map[string]string)
	}
	m.contents[blobName] = string(data)
	args := m.Called(ctx, containerName, blobName)
	return args.Error(0)
}

func (m *MockBlobUploader) ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error) {
	args := m.Called(ctx, containerName, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBlobUploader) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	args := m.Called(ctx, containerName, blobName)
	return args.Error(0)
}

func partitionWithFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ingest_date=2026-02-05")
	for _, name := range names {
		writeFile(t, filepath.Join(dir, name), "data-"+name)
	}
	return dir
}

func TestMirrorPartition_UploadsAndDeletesStale(t *testing.T) {
	ctx := context.Background()
	dir := partitionWithFiles(t, "part-00000.parquet", "part-00001.parquet")
	prefix := "parquet/events/ingest_date=2026-02-05"

	uploader := &MockBlobUploader{}
	uploader.On("UploadFile", ctx, "eventlake", prefix+"/part-00000.parquet").Return(nil)
	uploader.On("UploadFile", ctx, "eventlake", prefix+"/part-00001.parquet").Return(nil)
	uploader.On("ListBlobs", ctx, "eventlake", prefix+"/").Return([]string{
		prefix + "/part-00000.parquet",
		prefix + "/part-00001.parquet",
		prefix + "/part-00002.parquet",
	}, nil)
	uploader.On("DeleteBlob", ctx, "eventlake", prefix+"/part-00002.parquet").Return(nil)

	n, err := MirrorPartition(ctx, uploader, "eventlake", dir, prefix)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, "data-part-00001.parquet", uploader.contents[prefix+"/part-00001.parquet"])
	uploader.AssertExpectations(t)
	uploader.AssertNumberOfCalls(t, "DeleteBlob", 1)
}

func TestMirrorPartition_UploadFailureStopsBeforeDeletes(t *testing.T) {
	ctx := context.Background()
	dir := partitionWithFiles(t, "part-00000.parquet")

	uploader := &MockBlobUploader{}
	uploader.On("UploadFile", ctx, "eventlake", "p/part-00000.parquet").Return(errors.New("403 forbidden"))

	n, err := MirrorPartition(ctx, uploader, "eventlake", dir, "p/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403 forbidden")
	assert.Equal(t, 0, n)

	uploader.AssertNotCalled(t, "ListBlobs", mock.Anything, mock.Anything, mock.Anything)
	uploader.AssertNotCalled(t, "DeleteBlob", mock.Anything, mock.Anything, mock.Anything)
}

func TestMirrorPartition_MissingLocalDir(t *testing.T) {
	uploader := &MockBlobUploader{}

	_, err := MirrorPartition(context.Background(), uploader, "eventlake", filepath.Join(t.TempDir(), "nope"), "p")

	var storageErr *StorageError
	assert.True(t, errors.As(err, &storageErr))
	uploader.AssertExpectations(t)
}

func TestNewBlobUploaderFromRegistry(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "valid registry", key: "c2VjcmV0LWtleS12YWx1ZQ=="},
		{name: "missing access key", key: `""`, wantErr: "lake/P1 missing 'access_key'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := "subscriptions:\n" +
				"  lake:\n" +
				"    environments:\n" +
				"      P1:\n" +
				"        storage_account:\n" +
				"          account_name: lakeprod\n" +
				"          access_key: " + tt.key + "\n"
			path := filepath.Join(t.TempDir(), "storage.yaml")
			require.NoError(t, os.WriteFile(path, []byte(registry), 0600))

			uploader, err := NewBlobUploaderFromRegistry(path, "lake", "P1")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, uploader)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, uploader)
		})
	}
}
