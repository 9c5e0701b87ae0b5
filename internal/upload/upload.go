// Package upload ships flushed batch files to long-term object storage.
// Best-effort by contract: an upload failure is logged and never
// unwinds a successful flush or checkpoint advance.
package upload

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type Uploader interface {
	Upload(ctx context.Context, localPath, remoteName string) error
}

// AzureBlob uploads into one container of an Azure storage account.
type AzureBlob struct {
	client    *azblob.Client
	container string
}

func NewAzureBlob(connectionString, container string) (*AzureBlob, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("upload: blob client: %w", err)
	}
	return &AzureBlob{client: client, container: container}, nil
}

func (u *AzureBlob) Upload(ctx context.Context, localPath, remoteName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("upload: open %s: %w", localPath, err)
	}
	defer f.Close()
	if _, err := u.client.UploadFile(ctx, u.container, remoteName, f, nil); err != nil {
		return fmt.Errorf("upload: %s -> %s/%s: %w", localPath, u.container, remoteName, err)
	}
	return nil
}
