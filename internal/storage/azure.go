package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/steveinatorx/data-pipeline/config"
)

// Abstracts blob storage operations to enable testing with mocks
type BlobUploader interface {
	UploadFile(ctx context.Context, containerName, blobName string, file *os.File) error
	ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error)
	DeleteBlob(ctx context.Context, containerName, blobName string) error
}

// AzureBlobUploader implements BlobUploader on an azblob client
type AzureBlobUploader struct {
	client *azblob.Client
}

// NewAzureBlobUploader builds a shared-key client for the account
func NewAzureBlobUploader(account config.StorageAccount) (*AzureBlobUploader, error) {
	cred, err := azblob.NewSharedKeyCredential(account.AccountName, account.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials for %s: %w", account.AccountName, err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client for %s: %w", account.AccountName, err)
	}

	return &AzureBlobUploader{client: client}, nil
}

// NewBlobUploaderFromRegistry resolves the storage account for a
// subscription and environment from the shared registry
func NewBlobUploaderFromRegistry(registryPath, subscriptionID, environment string) (*AzureBlobUploader, error) {
	registry, err := config.LoadRegistry(registryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage registry: %w", err)
	}
	if issues := registry.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid storage registry %s: %s", registryPath, strings.Join(issues, "; "))
	}

	account, err := registry.GetStorageAccount(subscriptionID, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage account for %s/%s: %w", subscriptionID, environment, err)
	}

	log.Printf("Using storage account %s for %s/%s", account.Masked().AccountName, subscriptionID, environment)
	return NewAzureBlobUploader(account)
}

func (u *AzureBlobUploader) UploadFile(ctx context.Context, containerName, blobName string, file *os.File) error {
	_, err := u.client.UploadFile(ctx, containerName, blobName, file, nil)
	return err
}

func (u *AzureBlobUploader) ListBlobs(ctx context.Context, containerName, prefix string) ([]string, error) {
	containerClient := u.client.ServiceClient().NewContainerClient(containerName)
	pager := containerClient.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, blob := range page.Segment.BlobItems {
			if blob.Name != nil {
				names = append(names, *blob.Name)
			}
		}
	}
	return names, nil
}

func (u *AzureBlobUploader) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := u.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

// MirrorPartition uploads every file of localDir under prefix and then deletes
// remote blobs under prefix that no longer exist locally, so the remote copy
// matches the latest rewrite. It returns the number of files uploaded.
func MirrorPartition(ctx context.Context, uploader BlobUploader, containerName, localDir, prefix string) (int, error) {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return 0, Wrap("open", localDir, err)
	}

	prefix = strings.TrimSuffix(prefix, "/") + "/"
	keep := make(map[string]bool)
	uploaded := 0

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		blobName := path.Join(prefix, entry.Name())
		if err := uploadOne(ctx, uploader, containerName, blobName, filepath.Join(localDir, entry.Name())); err != nil {
			return uploaded, err
		}
		keep[blobName] = true
		uploaded++
	}

	remote, err := uploader.ListBlobs(ctx, containerName, prefix)
	if err != nil {
		return uploaded, fmt.Errorf("failed to list %s/%s: %w", containerName, prefix, err)
	}
	sort.Strings(remote)

	for _, name := range remote {
		if keep[name] {
			continue
		}
		if err := uploader.DeleteBlob(ctx, containerName, name); err != nil {
			return uploaded, fmt.Errorf("failed to delete stale blob %s/%s: %w", containerName, name, err)
		}
		log.Printf("🗑️ Deleted stale blob %s/%s", containerName, name)
	}

	return uploaded, nil
}

func uploadOne(ctx context.Context, uploader BlobUploader, containerName, blobName, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return Wrap("open", localPath, err)
	}
	defer file.Close()

	if err := uploader.UploadFile(ctx, containerName, blobName, file); err != nil {
		return fmt.Errorf("failed to upload %s to %s/%s: %w", localPath, containerName, blobName, err)
	}
	return nil
}
