package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// Upload copies an archive to an Azure Blob Storage container and returns the
// blob name. Credentials come from the default Azure chain (environment,
// workload identity, managed identity, or az login).
func Upload(ctx context.Context, path, serviceURL, container string) (string, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return "", fmt.Errorf("azure credentials: %w", err)
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return "", fmt.Errorf("azure blob client: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	blob := filepath.Base(path)
	if _, err := client.UploadFile(ctx, container, blob, f, nil); err != nil {
		return "", fmt.Errorf("uploading %s to %s/%s: %w", blob, serviceURL, container, err)
	}
	return blob, nil
}
